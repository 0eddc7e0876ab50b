// Package session holds per-conversation state and the keyed store it
// lives in between rounds.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veridical-Systems/quaestor/internal/schema"
)

// ErrNotFound is returned by stores for unknown session identifiers.
var ErrNotFound = errors.New("session not found")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one conversation's accumulated state. The message slice is
// append-only except for index 0, the system-instructions slot, which is
// rewritten each round to reflect round progress.
//
// A session is owned by the orchestration layer; the gatherer operates on
// it for exactly one round at a time and the caller must keep rounds on the
// same session strictly sequential.
type Session struct {
	ID             uuid.UUID              `json:"id"`
	Messages       []Message              `json:"messages"`
	Round          int                    `json:"round"`
	Collected      map[string]string      `json:"collected"`
	Complete       bool                   `json:"complete"`
	Classification *schema.Classification `json:"classification,omitempty"`
	Archived       bool                   `json:"archived"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func New(id uuid.UUID) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Collected: make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetSystem rewrites the system-instructions slot.
func (s *Session) SetSystem(content string) {
	if len(s.Messages) == 0 || s.Messages[0].Role != "system" {
		s.Messages = append([]Message{{Role: "system", Content: content}}, s.Messages...)
		return
	}
	s.Messages[0].Content = content
}

func (s *Session) AppendUser(content string) {
	s.Messages = append(s.Messages, Message{Role: "user", Content: content})
}

func (s *Session) AppendAssistant(content string) {
	s.Messages = append(s.Messages, Message{Role: "assistant", Content: content})
}

// Transcript renders the conversation (system slot excluded) one turn per
// line, "role: content".
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, m := range s.Messages {
		if m.Role == "system" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// UserTranscript concatenates the user-authored turns only.
func (s *Session) UserTranscript() string {
	var parts []string
	for _, m := range s.Messages {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, " ")
}

// Store is the keyed session store. Production deployments back it with an
// external store that evicts on TTL; ListExpired supports stores that leave
// sweeping to the caller.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListExpired(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)
}
