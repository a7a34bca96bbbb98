package anthropicwire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
)

func testBackend(baseURL string) *Backend {
	return New(backend.Descriptor{
		ID:       "anthropic-test",
		Protocol: backend.ProtocolAnthropic,
		Model:    "claude-test",
		BaseURL:  baseURL,
		APIKey:   "test-key",
	})
}

func collect(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func messageStreamHandler(t *testing.T, frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprint(w, frame)
		}
	}
}

func frame(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func TestStreamNormalizesTextAndToolUse(t *testing.T) {
	srv := httptest.NewServer(messageStreamHandler(t, []string{
		frame("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`),
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Running ls"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"shell","input":{}}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":[\"ls\"]}"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":1}`),
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}))
	defer srv.Close()

	events, err := testBackend(srv.URL).Stream(context.Background(), model.Request{
		Items:  []item.Item{item.NewMessage("user", "list the files")},
		Tools:  []model.ToolDef{{Name: "shell", Description: "run a command"}},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, events)

	if got[0].Type != stream.EventItemStarted {
		t.Fatalf("first event %s", got[0].Type)
	}
	var msg, call *item.Item
	for _, ev := range got {
		if ev.Type != stream.EventItemCompleted {
			continue
		}
		if ev.Item.IsToolCall() {
			call = ev.Item
		} else {
			msg = ev.Item
		}
	}
	if msg == nil || msg.Text != "Running ls" {
		t.Fatalf("text message lost: %+v", msg)
	}
	if call == nil || call.CallID != "toolu_1" || call.Name != "shell" {
		t.Fatalf("tool call lost: %+v", call)
	}
	if call.Arguments != `{"command":["ls"]}` {
		t.Fatalf("tool input not reassembled: %q", call.Arguments)
	}
	done := got[len(got)-1]
	if done.Type != stream.EventStreamDone || done.ResponseID != "msg_1" {
		t.Fatalf("stream-done wrong: %+v", done)
	}
	if done.Usage.InputTokens != 12 || done.Usage.OutputTokens != 9 {
		t.Fatalf("usage wrong: %+v", done.Usage)
	}
}

func TestOverloadedClassifiesTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
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

func TestBuildMessagesMergesRoles(t *testing.T) {
	items := []item.Item{
		item.NewMessage("system", "stay safe"),
		item.NewMessage("user", "apply this patch"),
		item.NewFunctionCall("toolu_2", "apply_patch", `{"input":"diff"}`),
		item.NewFunctionCallOutput("toolu_2", `{"status":"success"}`),
		item.NewMessage("user", "now run the tests"),
	}
	systemBlocks, messages := buildMessages("base instructions", items)

	if len(systemBlocks) != 2 {
		t.Fatalf("expected instructions plus system message, got %d blocks", len(systemBlocks))
	}
	// user, assistant(tool_use), user(tool_result + text)
	if len(messages) != 3 {
		t.Fatalf("expected 3 merged messages, got %d", len(messages))
	}
	if messages[1].Role != anthropicsdk.MessageParamRoleAssistant {
		t.Fatalf("tool use not on assistant turn: %+v", messages[1])
	}
	if len(messages[2].Content) != 2 {
		t.Fatalf("tool result and followup not merged into one user turn: %+v", messages[2])
	}
	if messages[2].Content[0].OfToolResult == nil {
		t.Fatalf("first block of final turn should be the tool result")
	}
}

func TestLocalShellCallTravelsUnderAlias(t *testing.T) {
	_, messages := buildMessages("", []item.Item{
		item.NewMessage("user", "run it"),
		item.NewLocalShellCall("call_9", `{"command":["pwd"]}`),
	})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	block := messages[1].Content[0]
	if block.OfToolUse == nil || block.OfToolUse.Name != localShellToolName {
		t.Fatalf("local shell call not mapped to tool use alias: %+v", block)
	}
}
