// Package gatherer runs the bounded-round conversational classification
// protocol: it lets the reasoning model ask clarifying questions for a
// fixed number of exchanges, accumulates any classification fields the
// model commits to along the way, and forces a deterministic fallback
// classification when the model fails to converge in time.
package gatherer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veridical-Systems/quaestor/internal/openai"
	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/session"
)

// MaxRounds is the hard cap on question rounds. The round after the cap is
// the forced-termination round: the fallback classifier runs and the model
// is not asked anything further.
const MaxRounds = 4

// Provider is the text-generation capability the gatherer consumes. Any
// OpenAI-compatible backend satisfies it via internal/openai.
type Provider interface {
	StreamChat(ctx context.Context, messages []openai.Message, tools []openai.Tool, onDelta func(string)) (*openai.StreamResult, error)
	Complete(ctx context.Context, system, user, schemaName string, schema json.RawMessage, maxTokens int) (string, error)
}

type Gatherer struct {
	llm       Provider
	logger    *slog.Logger
	maxRounds int
}

func New(llm Provider, logger *slog.Logger) *Gatherer {
	return &Gatherer{llm: llm, logger: logger, maxRounds: MaxRounds}
}

// Start begins round 1 for a fresh session. The returned channel yields the
// round's events in order and is closed after stream_end. The caller must
// drain it before touching the session again.
func (g *Gatherer) Start(ctx context.Context, sess *session.Session, initialDescription string) <-chan Event {
	em := newEmitter()
	go func() {
		defer em.close()
		em.send(EventSessionID, sess.ID.String())

		message := startMessageBare
		if initialDescription != "" {
			message = fmt.Sprintf(startMessageWithDescription, initialDescription)
		}

		sess.Round = 1
		sess.SetSystem(systemInstructions + roundContext(sess.Round, g.maxRounds))
		sess.AppendUser(message)

		if err := g.runExtraction(ctx, sess, em); err != nil {
			// Same rollback as Continue: a retried opening turn replays
			// round 1 instead of burning it on a transient failure.
			sess.Messages = sess.Messages[:len(sess.Messages)-1]
			sess.Round = 0
		}
	}()
	return em.ch
}

// Continue advances the session by one user turn. Completed sessions are
// answered from stored state without another model call. When the round
// budget is exhausted the fallback classifier runs instead of the model.
func (g *Gatherer) Continue(ctx context.Context, sess *session.Session, userResponse string) <-chan Event {
	em := newEmitter()
	go func() {
		defer em.close()
		em.send(EventSessionID, sess.ID.String())

		if sess.Complete {
			em.send(EventClassificationComplete, *sess.Classification)
			return
		}

		sess.AppendUser(userResponse)
		sess.Round++

		if sess.Round > g.maxRounds {
			g.forceTerminate(ctx, sess, em)
			return
		}

		sess.SetSystem(systemInstructions + roundContext(sess.Round, g.maxRounds))
		if err := g.runExtraction(ctx, sess, em); err != nil {
			// Roll the turn back so a retried call replays the same round.
			// Collected fields are kept.
			sess.Messages = sess.Messages[:len(sess.Messages)-1]
			sess.Round--
		}
	}()
	return em.ch
}

// runExtraction performs one model round: stream the assistant's reply,
// then evaluate any finalize invocation it produced. A provider failure is
// returned so the caller can roll the round back; a rejected finalize
// payload is not an error — the round simply ends without completion.
func (g *Gatherer) runExtraction(ctx context.Context, sess *session.Session, em *emitter) error {
	messages := make([]openai.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		messages = append(messages, openai.Message{Role: m.Role, Content: m.Content})
	}

	result, err := g.llm.StreamChat(ctx, messages, []openai.Tool{finalizeTool()}, em.delta)
	if err != nil {
		var apiErr *openai.APIError
		transient := errors.As(err, &apiErr) && apiErr.Transient()
		g.logger.Warn("model call failed",
			"session_id", sess.ID,
			"round", sess.Round,
			"transient", transient,
			"error", err,
		)
		em.error(fmt.Sprintf("model call failed: %v", err))
		return err
	}

	if result.Content != "" {
		sess.AppendAssistant(result.Content)
	}

	args, ok := findFinalize(result.ToolCalls)
	if !ok {
		return nil
	}

	outcome := evaluateFinalize(args)
	for f, v := range outcome.fields {
		sess.Collected[f] = v
	}

	if !outcome.accepted {
		g.logger.Warn("finalize payload rejected",
			"session_id", sess.ID,
			"round", sess.Round,
			"reason", outcome.reason,
		)
		return nil
	}

	description := outcome.description
	if description == "" {
		description = sess.UserTranscript()
	}
	classification, err := schema.FromFields(description, outcome.fields)
	if err != nil {
		// Unreachable when accepted, kept as a guard on the invariant.
		g.logger.Error("accepted finalize failed to build", "error", err)
		return nil
	}

	g.complete(sess, classification)
	em.send(EventClassificationComplete, classification)

	g.logger.Info("classification complete",
		"session_id", sess.ID,
		"round", sess.Round,
		"forced", false,
	)
	return nil
}

func (g *Gatherer) forceTerminate(ctx context.Context, sess *session.Session, em *emitter) {
	classification := g.ForceClassify(ctx, sess)
	em.delta("Based on our conversation, I now have enough information to classify your GDPR breach case.\n")
	em.send(EventClassificationComplete, classification)
}

func (g *Gatherer) complete(sess *session.Session, c schema.Classification) {
	sess.Complete = true
	sess.Classification = &c
}

// findFinalize returns the argument payload of the first completed
// finalize invocation, if any. Multiple tool calls in one round collapse
// to the first: the protocol defines at most one finalize per round.
func findFinalize(calls []openai.ToolCall) (string, bool) {
	for _, tc := range calls {
		if tc.Function.Name == finalizeToolName && tc.Function.Arguments != "" {
			return tc.Function.Arguments, true
		}
	}
	return "", false
}

// finalizeOutcome is the tagged result of evaluating a finalize payload.
// A rejected payload may still carry individually valid fields; those are
// merged into the session's collected set regardless.
type finalizeOutcome struct {
	accepted    bool
	fields      map[string]string
	description string
	reason      string
}

func evaluateFinalize(args string) finalizeOutcome {
	var raw map[string]any
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return finalizeOutcome{reason: fmt.Sprintf("invalid finalize JSON: %v", err)}
	}

	out := finalizeOutcome{fields: make(map[string]string)}
	if d, ok := raw["case_description"].(string); ok {
		out.description = d
	}

	var problems []string
	for _, f := range schema.Fields {
		v, ok := raw[f].(string)
		if !ok {
			problems = append(problems, f+" missing")
			continue
		}
		if !schema.ValidValue(f, v) {
			problems = append(problems, fmt.Sprintf("%s=%q out of domain", f, v))
			continue
		}
		out.fields[f] = v
	}

	if len(problems) == 0 {
		out.accepted = true
	} else {
		out.reason = strings.Join(problems, "; ")
	}
	return out
}
