package chatwire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
)

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func testBackend(baseURL string) *Backend {
	return New(backend.Descriptor{
		ID:       "chat-test",
		Protocol: backend.ProtocolChat,
		Model:    "gpt-4o",
		BaseURL:  baseURL,
		APIKey:   "test-key",
	})
}

func TestStreamNormalizesContentAndUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
	})
	defer srv.Close()

	events, err := testBackend(srv.URL).Stream(context.Background(), model.Request{
		Items:  []item.Item{item.NewMessage("user", "say hello")},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, events)
	if len(got) < 3 {
		t.Fatalf("expected started/completed/done, got %d events", len(got))
	}
	if got[0].Type != stream.EventItemStarted {
		t.Fatalf("first event %s", got[0].Type)
	}
	var final *stream.Event
	for i := range got {
		if got[i].Type == stream.EventItemCompleted {
			final = &got[i]
		}
	}
	if final == nil || final.Item.Text != "Hello" || final.Item.Role != "assistant" {
		t.Fatalf("accumulated message wrong: %+v", final)
	}
	done := got[len(got)-1]
	if done.Type != stream.EventStreamDone || done.ResponseID != "chatcmpl-1" {
		t.Fatalf("missing stream-done: %+v", done)
	}
	if done.Usage.InputTokens != 9 || done.Usage.OutputTokens != 2 {
		t.Fatalf("usage lost: %+v", done.Usage)
	}
}

func TestStreamSurfacesToolCall(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_ls","type":"function","function":{"name":"shell","arguments":"{\"command\":"}}]}}]}`,
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"[\"ls\"]}"}}]}}]}`,
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	events, err := testBackend(srv.URL).Stream(context.Background(), model.Request{
		Items:  []item.Item{item.NewMessage("user", "list files")},
		Tools:  []model.ToolDef{{Name: "shell", Description: "run a command"}},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, events)

	var call *item.Item
	for _, ev := range got {
		if ev.Type == stream.EventItemCompleted && ev.Item.IsToolCall() {
			call = ev.Item
		}
	}
	if call == nil {
		t.Fatalf("no tool call surfaced in %d events", len(got))
	}
	if call.CallID != "call_ls" || call.Name != "shell" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.Arguments != `{"command":["ls"]}` {
		t.Fatalf("arguments not reassembled: %q", call.Arguments)
	}
	if got[len(got)-1].Type != stream.EventStreamDone {
		t.Fatalf("stream did not finish cleanly: %+v", got[len(got)-1])
	}
}

func TestRateLimitErrorKeepsProviderHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached. Please try again in 1.5s.","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	events, err := testBackend(srv.URL).Stream(context.Background(), model.Request{
		Items:  []item.Item{item.NewMessage("user", "hi")},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("stream setup should not fail: %v", err)
	}
	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != stream.EventStreamError {
		t.Fatalf("expected stream-error, got %s", last.Type)
	}
	if retry.Classify(last.Err) != retry.ClassRateLimit {
		t.Fatalf("expected rate-limit class, got %v (%v)", retry.Classify(last.Err), last.Err)
	}
	if delay, ok := retry.ParseRetryAfter(last.Err.Error()); !ok || delay.Milliseconds() != 1500 {
		t.Fatalf("provider hint lost: %v %v", delay, ok)
	}
}

func TestServerErrorClassifiesTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	events, err := testBackend(srv.URL).Stream(context.Background(), model.Request{
		Items:  []item.Item{item.NewMessage("user", "hi")},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("stream setup should not fail: %v", err)
	}
	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != stream.EventStreamError || retry.Classify(last.Err) != retry.ClassTransient {
		t.Fatalf("expected transient stream-error, got %+v", last)
	}
}

func TestBuildMessagesShapes(t *testing.T) {
	items := []item.Item{
		item.NewMessage("user", "run it"),
		item.NewFunctionCall("call_1", "shell", `{"command":["ls"]}`),
		item.NewFunctionCallOutput("call_1", `{"status":"success"}`),
		item.NewReasoning("thinking quietly"),
		item.NewMessage("assistant", "done"),
	}
	params, err := buildMessages("be careful", items)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Reasoning is dropped; instructions become the leading system turn.
	if len(params) != 5 {
		t.Fatalf("expected 5 wire messages, got %d", len(params))
	}
	if params[0].OfSystem == nil || params[1].OfUser == nil {
		t.Fatalf("unexpected leading messages: %+v", params[:2])
	}
	if params[2].OfAssistant == nil || len(params[2].OfAssistant.ToolCalls) != 1 {
		t.Fatalf("tool call not mapped to assistant message: %+v", params[2])
	}
	if params[3].OfTool == nil {
		t.Fatalf("tool output not mapped to tool message: %+v", params[3])
	}
}

func TestBuildMessagesRejectsOutputWithoutCallID(t *testing.T) {
	bad := item.Item{ID: "x", Kind: item.KindFunctionCallOutput, Output: "{}"}
	if _, err := buildMessages("", []item.Item{bad}); err == nil {
		t.Fatal("expected error for missing call_id")
	}
}
