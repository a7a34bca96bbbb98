// Package item defines the conversation item union shared by the transcript,
// the stream normalizers, and the tool dispatcher. Items are immutable after
// they enter a transcript except for their status annotation.
package item

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the item union.
type Kind string

const (
	KindMessage              Kind = "message"
	KindFunctionCall         Kind = "function_call"
	KindFunctionCallOutput   Kind = "function_call_output"
	KindLocalShellCall       Kind = "local_shell_call"
	KindLocalShellCallOutput Kind = "local_shell_call_output"
	KindReasoning            Kind = "reasoning"
)

// Status annotations applied after an item is appended.
const (
	StatusCompleted  = "completed"
	StatusInProgress = "in_progress"
	StatusAborted    = "aborted"
)

// Item is a single entry in a conversation transcript. Which fields are
// meaningful depends on Kind: messages carry Role and Text, tool calls carry
// CallID/Name/Arguments, tool outputs carry CallID/Output. Arguments stay an
// opaque string here; the dispatcher validates them lazily.
type Item struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"type"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
}

// NewMessage builds a message item for the given role.
func NewMessage(role, text string) Item {
	return Item{ID: newID(), Kind: KindMessage, Role: role, Text: text}
}

// NewReasoning builds a reasoning item.
func NewReasoning(text string) Item {
	return Item{ID: newID(), Kind: KindReasoning, Text: text}
}

// NewFunctionCall builds a function-call item with opaque arguments.
func NewFunctionCall(callID, name, arguments string) Item {
	return Item{ID: newID(), Kind: KindFunctionCall, CallID: callID, Name: name, Arguments: arguments}
}

// NewFunctionCallOutput builds the output item answering a function call.
func NewFunctionCallOutput(callID, output string) Item {
	return Item{ID: newID(), Kind: KindFunctionCallOutput, CallID: callID, Output: output}
}

// NewLocalShellCall builds a shell-call item with opaque arguments.
func NewLocalShellCall(callID, arguments string) Item {
	return Item{ID: newID(), Kind: KindLocalShellCall, CallID: callID, Name: "local_shell", Arguments: arguments}
}

// NewLocalShellCallOutput builds the output item answering a shell call.
func NewLocalShellCallOutput(callID, output string) Item {
	return Item{ID: newID(), Kind: KindLocalShellCallOutput, CallID: callID, Output: output}
}

// IsToolCall reports whether the item requests a tool invocation.
func (i Item) IsToolCall() bool {
	return i.Kind == KindFunctionCall || i.Kind == KindLocalShellCall
}

// IsToolOutput reports whether the item answers a tool invocation.
func (i Item) IsToolOutput() bool {
	return i.Kind == KindFunctionCallOutput || i.Kind == KindLocalShellCallOutput
}

// OutputKindFor returns the output kind paired with a tool-call kind.
func OutputKindFor(call Kind) (Kind, error) {
	switch call {
	case KindFunctionCall:
		return KindFunctionCallOutput, nil
	case KindLocalShellCall:
		return KindLocalShellCallOutput, nil
	default:
		return "", fmt.Errorf("item: %s is not a tool-call kind", call)
	}
}

// Validate checks the structural constraints of the union.
func (i Item) Validate() error {
	switch i.Kind {
	case KindMessage:
		if strings.TrimSpace(i.Role) == "" {
			return errors.New("item: message requires a role")
		}
	case KindFunctionCall:
		if strings.TrimSpace(i.CallID) == "" || strings.TrimSpace(i.Name) == "" {
			return errors.New("item: function_call requires call_id and name")
		}
	case KindLocalShellCall:
		if strings.TrimSpace(i.CallID) == "" {
			return errors.New("item: local_shell_call requires call_id")
		}
	case KindFunctionCallOutput, KindLocalShellCallOutput:
		if strings.TrimSpace(i.CallID) == "" {
			return errors.New("item: tool output requires call_id")
		}
	case KindReasoning:
	default:
		return fmt.Errorf("item: unknown kind %q", i.Kind)
	}
	return nil
}

// NewCallID mints a tool-call identifier.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

func newID() string {
	return uuid.NewString()
}
