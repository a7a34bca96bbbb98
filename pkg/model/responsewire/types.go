package responsewire

import (
	"fmt"

	"github.com/cexll/turnflow/pkg/item"
)

const (
	responsesPath        = "/v1/responses"
	maxStreamLineBytes   = 1024 * 1024
	initialStreamBufSize = 64 * 1024
)

// Stream event names on the responses wire.
const (
	eventOutputItemAdded = "response.output_item.added"
	eventOutputItemDone  = "response.output_item.done"
	eventCompleted       = "response.completed"
	eventFailed          = "response.failed"
	eventError           = "error"
)

// responsesRequest is the POST body for /v1/responses.
type responsesRequest struct {
	Model              string      `json:"model"`
	Instructions       string      `json:"instructions,omitempty"`
	Input              []wireItem  `json:"input"`
	Tools              []wireTool  `json:"tools,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int         `json:"max_output_tokens,omitempty"`
	Temperature        *float64    `json:"temperature,omitempty"`
	Stream             bool        `json:"stream"`
}

// wireItem is the typed item union as it travels on this wire, used for
// both request input and response output.
type wireItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
	Status    string        `json:"status,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// responseObject is the terminal payload carried by response.completed
// and by the unary endpoint.
type responseObject struct {
	ID     string      `json:"id"`
	Status string      `json:"status,omitempty"`
	Output []wireItem  `json:"output,omitempty"`
	Usage  *usageBlock `json:"usage,omitempty"`
	Error  *wireError  `json:"error,omitempty"`
}

type usageBlock struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type wireError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// streamEnvelope is one decoded SSE data payload.
type streamEnvelope struct {
	Type     string          `json:"type"`
	Item     *wireItem       `json:"item,omitempty"`
	Response *responseObject `json:"response,omitempty"`
	Error    *wireError      `json:"error,omitempty"`
}

type errorResponse struct {
	Error wireError `json:"error"`
}

// APIError surfaces HTTP metadata along with wire error info.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("responses api status %d", e.StatusCode)
	}
	return fmt.Sprintf("responses api status %d: %s", e.StatusCode, e.Message)
}

// toWireItems converts transcript items into their wire form.
func toWireItems(items []item.Item) []wireItem {
	out := make([]wireItem, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case item.KindMessage:
			part := contentPart{Type: "input_text", Text: it.Text}
			if it.Role == "assistant" {
				part.Type = "output_text"
			}
			out = append(out, wireItem{Type: "message", Role: it.Role, Content: []contentPart{part}})
		case item.KindReasoning:
			out = append(out, wireItem{Type: "reasoning", Content: []contentPart{{Type: "reasoning_text", Text: it.Text}}})
		case item.KindFunctionCall:
			out = append(out, wireItem{Type: "function_call", CallID: it.CallID, Name: it.Name, Arguments: it.Arguments})
		case item.KindLocalShellCall:
			out = append(out, wireItem{Type: "local_shell_call", CallID: it.CallID, Arguments: it.Arguments})
		case item.KindFunctionCallOutput:
			out = append(out, wireItem{Type: "function_call_output", CallID: it.CallID, Output: it.Output})
		case item.KindLocalShellCallOutput:
			out = append(out, wireItem{Type: "local_shell_call_output", CallID: it.CallID, Output: it.Output})
		}
	}
	return out
}

// fromWireItem converts one output item back into canonical form.
// Unknown types are skipped by the caller.
func fromWireItem(w wireItem) (item.Item, bool) {
	switch w.Type {
	case "message":
		var text string
		for _, part := range w.Content {
			if part.Type == "output_text" || part.Type == "input_text" {
				text += part.Text
			}
		}
		role := w.Role
		if role == "" {
			role = "assistant"
		}
		msg := item.NewMessage(role, text)
		msg.Status = w.Status
		return msg, true
	case "reasoning":
		var text string
		for _, part := range w.Content {
			text += part.Text
		}
		return item.NewReasoning(text), true
	case "function_call":
		return item.NewFunctionCall(w.CallID, w.Name, w.Arguments), true
	case "local_shell_call":
		return item.NewLocalShellCall(w.CallID, w.Arguments), true
	case "function_call_output":
		return item.NewFunctionCallOutput(w.CallID, w.Output), true
	case "local_shell_call_output":
		return item.NewLocalShellCallOutput(w.CallID, w.Output), true
	}
	return item.Item{}, false
}
