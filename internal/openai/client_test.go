package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamChat_TextDeltas(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"What "},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"happened?"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model")
	client.SetBaseURL(server.URL)

	var deltas []string
	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != "What happened?" {
		t.Errorf("expected full content, got %q", result.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %d", len(deltas))
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", result.FinishReason)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}
}

func TestStreamChat_ToolCallAccumulation(t *testing.T) {
	// Argument JSON arrives split across chunks; the name and id only in the first.
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"finalize_classification","arguments":"{\"case_de"}}]},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"scription\":\"x\"}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model")
	client.SetBaseURL(server.URL)

	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	tc := result.ToolCalls[0]
	if tc.ID != "call_abc" {
		t.Errorf("expected id call_abc, got %q", tc.ID)
	}
	if tc.Function.Name != "finalize_classification" {
		t.Errorf("expected finalize_classification, got %q", tc.Function.Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("accumulated arguments are not valid JSON: %v (%q)", err, tc.Function.Arguments)
	}
	if args["case_description"] != "x" {
		t.Errorf("expected case_description x, got %q", args["case_description"])
	}
	if result.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", result.FinishReason)
	}
}

func TestStreamChat_SkipsMangledChunks(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":null}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model")
	client.SetBaseURL(server.URL)

	result, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "ok!" {
		t.Errorf("expected ok!, got %q", result.Content)
	}
}

func TestStreamChat_RateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`)
	}))
	defer server.Close()

	client := NewClient("test-key", "test-model")
	client.SetBaseURL(server.URL)

	_, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if !apiErr.Transient() {
		t.Error("429 must classify as transient")
	}
	if !strings.Contains(apiErr.Error(), "slow down") {
		t.Errorf("error should carry provider message, got %q", apiErr.Error())
	}
}

func TestComplete_StructuredOutput(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"answer":42}`}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	client := NewClient("test-key", "test-model")
	client.SetBaseURL(server.URL)

	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"integer"}},"required":["answer"]}`)
	out, err := client.Complete(context.Background(), "sys", "user", "answer_schema", schema, 256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"answer":42}` {
		t.Errorf("unexpected content %q", out)
	}

	format, ok := gotReq["response_format"].(map[string]any)
	if !ok {
		t.Fatal("request missing response_format")
	}
	if format["type"] != "json_schema" {
		t.Errorf("expected json_schema response format, got %v", format["type"])
	}
	if stream, ok := gotReq["stream"].(bool); ok && stream {
		t.Error("Complete must not request streaming")
	}
}

func TestComplete_AuthErrorNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_api_key","message":"bad key"}}`)
	}))
	defer server.Close()

	client := NewClient("bad-key", "test-model")
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), "s", "u", "n", json.RawMessage(`{}`), 16)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Transient() {
		t.Error("401 must not classify as transient")
	}
}
