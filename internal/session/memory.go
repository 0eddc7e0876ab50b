package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in-process. Sessions idle past the TTL are
// removed by Sweep; run it periodically or the table grows without bound.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*Session),
		ttl:      ttl,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []uuid.UUID
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(olderThan) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Sweep removes sessions idle longer than the TTL and returns how many
// were evicted.
func (m *MemoryStore) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-m.ttl)
	expired, _ := m.ListExpired(ctx, cutoff)
	for _, id := range expired {
		_ = m.Delete(ctx, id)
	}
	return len(expired)
}

// RunSweeper sweeps on the given interval until the context is cancelled.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}
