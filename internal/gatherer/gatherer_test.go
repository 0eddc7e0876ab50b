package gatherer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/Veridical-Systems/quaestor/internal/openai"
	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamScript is one scripted streaming round for the stub provider.
type streamScript struct {
	content  string
	toolArgs string // finalize arguments JSON, "" for none
	err      error
}

type stubProvider struct {
	scripts       []streamScript
	streamCalls   int
	completeCalls int
	completeOut   string
	completeErr   error
}

func (s *stubProvider) StreamChat(ctx context.Context, messages []openai.Message, tools []openai.Tool, onDelta func(string)) (*openai.StreamResult, error) {
	s.streamCalls++
	if len(s.scripts) == 0 {
		return nil, fmt.Errorf("stub: no script for call %d", s.streamCalls)
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]

	if script.err != nil {
		return nil, script.err
	}

	if onDelta != nil && script.content != "" {
		// Split into two deltas to exercise incremental delivery.
		half := len(script.content) / 2
		onDelta(script.content[:half])
		onDelta(script.content[half:])
	}

	result := &openai.StreamResult{Content: script.content, FinishReason: "stop"}
	if script.toolArgs != "" {
		result.FinishReason = "tool_calls"
		result.ToolCalls = []openai.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: openai.FunctionCall{
				Name:      finalizeToolName,
				Arguments: script.toolArgs,
			},
		}}
	}
	return result, nil
}

func (s *stubProvider) Complete(ctx context.Context, system, user, schemaName string, schemaRaw json.RawMessage, maxTokens int) (string, error) {
	s.completeCalls++
	if s.completeErr != nil {
		return "", s.completeErr
	}
	return s.completeOut, nil
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("round emitted no events")
	}
	if events[0].Type != EventSessionID {
		t.Errorf("first event must be session_id, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != EventStreamEnd {
		t.Errorf("last event must be stream_end, got %s", events[len(events)-1].Type)
	}
	return events
}

func findEvent(events []Event, typ EventType) (Event, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func validArgs() string {
	args, _ := json.Marshal(map[string]string{
		"case_description":               "Employee records emailed to the wrong recipient.",
		schema.FieldLawfulness:           "lawful_and_appropriate_basis",
		schema.FieldRights:               "partial_compliance",
		schema.FieldRisk:                 "insufficient_protection",
		schema.FieldAccountability:       "partially_accountable",
	})
	return string(args)
}

func validForcedJSON() string {
	out, _ := json.Marshal(schema.Classification{
		CaseDescription: "Summary of the incident.",
		Lawfulness:      "lawful_and_appropriate_basis",
		Rights:          "partial_compliance",
		Risk:            "reactive_only",
		Accountability:  "partially_accountable",
	})
	return string(out)
}

func TestStart_QuestionRound(t *testing.T) {
	llm := &stubProvider{scripts: []streamScript{
		{content: "What type of personal data was involved?"},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	events := drain(t, g.Start(context.Background(), sess, "We had a data breach."))

	if _, ok := findEvent(events, EventClassificationComplete); ok {
		t.Error("question round must not complete the classification")
	}
	var reply string
	for _, ev := range events {
		if ev.Type == EventMessageDelta {
			reply += ev.Data.(string)
		}
	}
	if reply != "What type of personal data was involved?" {
		t.Errorf("concatenated deltas must equal the full reply, got %q", reply)
	}
	if sess.Round != 1 {
		t.Errorf("expected round 1, got %d", sess.Round)
	}
	if sess.Complete {
		t.Error("session must not be complete")
	}
	// system slot + user turn + assistant reply
	if len(sess.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(sess.Messages))
	}
}

func TestScenarioB_CompletesOnRoundOne(t *testing.T) {
	llm := &stubProvider{scripts: []streamScript{
		{content: "Thanks, I have everything I need.", toolArgs: validArgs()},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	events := drain(t, g.Start(context.Background(), sess, "Exhaustive detail covering all four dimensions..."))

	ev, ok := findEvent(events, EventClassificationComplete)
	if !ok {
		t.Fatal("expected classification_complete in the first response stream")
	}
	c := ev.Data.(schema.Classification)
	if err := c.Validate(); err != nil {
		t.Errorf("emitted classification must be valid: %v", err)
	}
	if !c.ConversationComplete {
		t.Error("conversation_complete must be true")
	}
	if !sess.Complete || sess.Classification == nil {
		t.Error("session must store the classification")
	}
}

func TestScenarioA_ForcedTerminationAfterBudget(t *testing.T) {
	llm := &stubProvider{
		scripts: []streamScript{
			{content: "What data was involved?"},
			{content: "How did the breach occur?"},
			{content: "What legal basis did you rely on?"},
		},
		completeOut: validForcedJSON(),
	}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	drain(t, g.Start(context.Background(), sess, "We had a data breach."))
	answers := []string{"not sure", "hard to say", "don't know"}
	for _, a := range answers {
		events := drain(t, g.Continue(context.Background(), sess, a))
		if _, ok := findEvent(events, EventClassificationComplete); ok {
			t.Fatal("classification must not complete before the budget is exhausted")
		}
	}

	// Fourth continue exceeds MaxRounds and must force termination.
	events := drain(t, g.Continue(context.Background(), sess, "still unsure"))
	ev, ok := findEvent(events, EventClassificationComplete)
	if !ok {
		t.Fatal("expected forced classification after the round budget")
	}
	c := ev.Data.(schema.Classification)
	if err := c.Validate(); err != nil {
		t.Errorf("forced classification must be valid: %v", err)
	}
	if !sess.Complete {
		t.Error("session must be complete")
	}
	if llm.streamCalls != 4 {
		t.Errorf("forced termination must bypass the extraction engine, got %d stream calls", llm.streamCalls)
	}
	if llm.completeCalls != 1 {
		t.Errorf("expected exactly one re-query call, got %d", llm.completeCalls)
	}
	if sess.Round != MaxRounds+1 {
		t.Errorf("expected round %d, got %d", MaxRounds+1, sess.Round)
	}
}

func TestScenarioC_RequeryFailureFallsBackToRules(t *testing.T) {
	llm := &stubProvider{
		scripts: []streamScript{
			{content: "What happened?"},
			{content: "Anything else?"},
			{content: "And your safeguards?"},
		},
		completeErr: fmt.Errorf("provider down"),
	}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	drain(t, g.Start(context.Background(), sess, "Customer data was processed with no legal basis at all."))
	for _, a := range []string{"it leaked", "we had no security measures", "nothing more"} {
		drain(t, g.Continue(context.Background(), sess, a))
	}

	events := drain(t, g.Continue(context.Background(), sess, "please classify"))
	ev, ok := findEvent(events, EventClassificationComplete)
	if !ok {
		t.Fatal("expected classification despite re-query failure")
	}
	c := ev.Data.(schema.Classification)
	if err := c.Validate(); err != nil {
		t.Fatalf("rule-based classification must be valid: %v", err)
	}
	if c.Lawfulness != "no_valid_basis" {
		t.Errorf(`expected keyword "no legal basis" to map to no_valid_basis, got %q`, c.Lawfulness)
	}
	if c.CaseDescription == "" {
		t.Error("case description must be assembled from user turns")
	}
}

func TestIdempotentAfterCompletion(t *testing.T) {
	llm := &stubProvider{scripts: []streamScript{
		{content: "Done.", toolArgs: validArgs()},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	drain(t, g.Start(context.Background(), sess, "full detail"))
	stored := *sess.Classification
	calls := llm.streamCalls

	events := drain(t, g.Continue(context.Background(), sess, "anything"))
	ev, ok := findEvent(events, EventClassificationComplete)
	if !ok {
		t.Fatal("completed session must replay its classification")
	}
	if got := ev.Data.(schema.Classification); got != stored {
		t.Errorf("replayed classification differs: %+v vs %+v", got, stored)
	}
	if llm.streamCalls != calls {
		t.Error("completed session must not invoke the model again")
	}
	if llm.completeCalls != 0 {
		t.Error("completed session must not invoke the fallback")
	}
}

func TestPartialFieldsMergeFromRejectedPayload(t *testing.T) {
	partial, _ := json.Marshal(map[string]string{
		schema.FieldLawfulness: "no_valid_basis",
		schema.FieldRisk:       "definitely_bad", // out of domain
		schema.FieldRights:     "non_compliance",
		// accountability missing
	})
	llm := &stubProvider{scripts: []streamScript{
		{content: "Let me note that down.", toolArgs: string(partial)},
		{content: "One more question?", toolArgs: `{not json`},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	events := drain(t, g.Start(context.Background(), sess, "partial info"))
	if _, ok := findEvent(events, EventClassificationComplete); ok {
		t.Fatal("rejected payload must not complete the round")
	}
	if sess.Collected[schema.FieldLawfulness] != "no_valid_basis" {
		t.Error("valid field from rejected payload must be merged")
	}
	if sess.Collected[schema.FieldRights] != "non_compliance" {
		t.Error("valid field from rejected payload must be merged")
	}
	if _, ok := sess.Collected[schema.FieldRisk]; ok {
		t.Error("out-of-domain field must not be merged")
	}

	// A later malformed payload must not erase what was collected.
	drain(t, g.Continue(context.Background(), sess, "more detail"))
	if sess.Collected[schema.FieldLawfulness] != "no_valid_basis" {
		t.Error("collected fields must survive a failed extraction")
	}
}

func TestProviderErrorRollsRoundBack(t *testing.T) {
	llm := &stubProvider{scripts: []streamScript{
		{content: "What happened?"},
		{err: &openai.APIError{StatusCode: 429, Type: "rate_limit_exceeded", Message: "slow down"}},
		{content: "Take two: what happened?"},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	drain(t, g.Start(context.Background(), sess, "breach"))
	round := sess.Round
	msgCount := len(sess.Messages)

	events := drain(t, g.Continue(context.Background(), sess, "the details"))
	if _, ok := findEvent(events, EventError); !ok {
		t.Error("provider failure must surface an error event")
	}
	if _, ok := findEvent(events, EventClassificationComplete); ok {
		t.Error("failed round must not complete")
	}
	if sess.Round != round {
		t.Errorf("round counter must not advance destructively: %d vs %d", sess.Round, round)
	}
	if len(sess.Messages) != msgCount {
		t.Errorf("failed round must not leave the user turn behind: %d vs %d", len(sess.Messages), msgCount)
	}

	// The session stays usable: the retried round proceeds normally.
	events = drain(t, g.Continue(context.Background(), sess, "the details"))
	if _, ok := findEvent(events, EventError); ok {
		t.Error("retried round should succeed")
	}
	if sess.Round != round+1 {
		t.Errorf("retried round must advance, got %d", sess.Round)
	}
}

func TestStart_ProviderErrorRollsBack(t *testing.T) {
	llm := &stubProvider{scripts: []streamScript{
		{err: &openai.APIError{StatusCode: 503, Type: "server_error", Message: "overloaded"}},
		{content: "What happened?"},
	}}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	events := drain(t, g.Start(context.Background(), sess, "breach"))
	if _, ok := findEvent(events, EventError); !ok {
		t.Error("provider failure must surface an error event")
	}
	if sess.Round != 0 {
		t.Errorf("failed opening round must roll back to round 0, got %d", sess.Round)
	}
	if sess.UserTranscript() != "" {
		t.Errorf("failed opening round must not leave the user turn behind: %q", sess.UserTranscript())
	}
	if sess.Complete {
		t.Error("failed opening round must not complete")
	}

	// The retry replays round 1 with the full budget still available.
	events = drain(t, g.Continue(context.Background(), sess, "breach details"))
	if _, ok := findEvent(events, EventError); ok {
		t.Error("retried opening round should succeed")
	}
	if sess.Round != 1 {
		t.Errorf("retried opening round must land on round 1, got %d", sess.Round)
	}
}

func TestTerminationProperty(t *testing.T) {
	// Whatever the model does short of finalizing, MaxRounds continues
	// suffice for a complete, valid classification.
	llm := &stubProvider{
		scripts: []streamScript{
			{content: "q1"}, {content: "q2"}, {content: "q3"}, {content: "q4"},
		},
		completeOut: validForcedJSON(),
	}
	g := New(llm, discardLogger())
	sess := session.New(uuid.New())

	drain(t, g.Start(context.Background(), sess, ""))
	for i := 0; i < MaxRounds; i++ {
		drain(t, g.Continue(context.Background(), sess, "generic answer"))
	}

	if !sess.Complete {
		t.Fatalf("session must be complete after %d continues", MaxRounds)
	}
	if err := sess.Classification.Validate(); err != nil {
		t.Errorf("stored classification must be valid: %v", err)
	}
	if sess.Round > MaxRounds && sess.Classification == nil {
		t.Error("round_count > MaxRounds implies a classification exists")
	}
}

func TestEvaluateFinalize(t *testing.T) {
	out := evaluateFinalize(validArgs())
	if !out.accepted {
		t.Fatalf("expected accepted, got reason %q", out.reason)
	}
	if len(out.fields) != 4 {
		t.Errorf("expected 4 fields, got %d", len(out.fields))
	}

	out = evaluateFinalize(`{"lawfulness_of_processing":"NO_VALID_BASIS"}`)
	if out.accepted {
		t.Error("case-mismatched enum value must reject the payload")
	}
	if len(out.fields) != 0 {
		t.Error("no valid fields expected")
	}

	out = evaluateFinalize(`{broken`)
	if out.accepted || out.reason == "" {
		t.Error("invalid JSON must reject with a reason")
	}
}
