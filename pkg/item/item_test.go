package item

import (
	"encoding/json"
	"testing"
)

func TestConstructorsAssignIDs(t *testing.T) {
	msg := NewMessage("user", "hello")
	if msg.ID == "" {
		t.Fatal("message item missing id")
	}
	if msg.Kind != KindMessage || msg.Role != "user" || msg.Text != "hello" {
		t.Fatalf("unexpected message item: %+v", msg)
	}
	call := NewFunctionCall("call_1", "shell", `{"command":["ls"]}`)
	if !call.IsToolCall() {
		t.Fatal("function_call should be a tool call")
	}
	out := NewFunctionCallOutput("call_1", "ok")
	if !out.IsToolOutput() {
		t.Fatal("function_call_output should be a tool output")
	}
	if call.ID == out.ID {
		t.Fatal("items must have distinct ids")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	items := []Item{
		NewMessage("assistant", "done"),
		NewReasoning("thinking"),
		NewFunctionCall("call_9", "apply_patch", `{"patch":"*** Begin Patch"}`),
		NewLocalShellCall("call_10", `{"command":["echo","hi"]}`),
		NewLocalShellCallOutput("call_10", "hi\n"),
	}
	for _, want := range items {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %s: %v", want.Kind, err)
		}
		var got Item
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", want.Kind, err)
		}
		if got != want {
			t.Fatalf("round trip mutated item:\n got %+v\nwant %+v", got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		item    Item
		wantErr bool
	}{
		{"message ok", NewMessage("user", "hi"), false},
		{"message missing role", Item{ID: "x", Kind: KindMessage}, true},
		{"function call ok", NewFunctionCall("c1", "shell", "{}"), false},
		{"function call missing name", Item{ID: "x", Kind: KindFunctionCall, CallID: "c1"}, true},
		{"output missing call id", Item{ID: "x", Kind: KindFunctionCallOutput}, true},
		{"unknown kind", Item{ID: "x", Kind: "mystery"}, true},
	}
	for _, tc := range cases {
		err := tc.item.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestOutputKindFor(t *testing.T) {
	if k, err := OutputKindFor(KindFunctionCall); err != nil || k != KindFunctionCallOutput {
		t.Fatalf("function_call output kind: %v %v", k, err)
	}
	if k, err := OutputKindFor(KindLocalShellCall); err != nil || k != KindLocalShellCallOutput {
		t.Fatalf("local_shell_call output kind: %v %v", k, err)
	}
	if _, err := OutputKindFor(KindMessage); err == nil {
		t.Fatal("message should not have an output kind")
	}
}
