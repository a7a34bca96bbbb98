package chatwire

import (
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"

	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
)

// localShellToolName is the function name local_shell_call items travel
// under on the chat wire, which has no native shell-call type.
const localShellToolName = "local_shell"

func buildMessages(instructions string, items []item.Item) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	params := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(items)+1)
	if strings.TrimSpace(instructions) != "" {
		params = append(params, buildSystemMessage(instructions))
	}
	for idx, it := range items {
		switch it.Kind {
		case item.KindMessage:
			union, err := buildMessage(it)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", idx, err)
			}
			params = append(params, union)
		case item.KindFunctionCall:
			params = append(params, buildAssistantToolCall(it.CallID, it.Name, it.Arguments))
		case item.KindLocalShellCall:
			params = append(params, buildAssistantToolCall(it.CallID, localShellToolName, it.Arguments))
		case item.KindFunctionCallOutput, item.KindLocalShellCallOutput:
			if it.CallID == "" {
				return nil, fmt.Errorf("items[%d]: tool output missing call_id", idx)
			}
			params = append(params, openaisdk.ToolMessage(it.Output, it.CallID))
		case item.KindReasoning:
			// Reasoning items have no chat-wire representation.
		default:
			return nil, fmt.Errorf("items[%d]: unsupported kind %s", idx, it.Kind)
		}
	}
	if len(params) == 0 {
		params = append(params, buildUserMessage(""))
	}
	return params, nil
}

func buildMessage(it item.Item) (openaisdk.ChatCompletionMessageParamUnion, error) {
	switch strings.ToLower(it.Role) {
	case "system":
		return buildSystemMessage(it.Text), nil
	case "assistant":
		msg := openaisdk.ChatCompletionAssistantMessageParam{}
		msg.Content.OfString = openaisdk.String(it.Text)
		return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &msg}, nil
	case "user", "":
		return buildUserMessage(it.Text), nil
	default:
		return buildUserMessage(it.Text), nil
	}
}

func buildSystemMessage(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionSystemMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfSystem: &msg}
}

func buildUserMessage(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionUserMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfUser: &msg}
}

func buildAssistantToolCall(callID, name, arguments string) openaisdk.ChatCompletionMessageParamUnion {
	if arguments == "" {
		arguments = "{}"
	}
	asst := openaisdk.ChatCompletionAssistantMessageParam{
		ToolCalls: []openaisdk.ChatCompletionMessageToolCallUnionParam{{
			OfFunction: &openaisdk.ChatCompletionMessageFunctionToolCallParam{
				ID: callID,
				Function: openaisdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      name,
					Arguments: arguments,
				},
			},
		}},
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func buildTools(tools []model.ToolDef) ([]openaisdk.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(tools))
	for idx, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: missing name", idx)
		}
		def := openaisdk.FunctionDefinitionParam{Name: name}
		if tool.Description != "" {
			def.Description = openaisdk.String(tool.Description)
		}
		if len(tool.Parameters) > 0 {
			def.Parameters = openaisdk.FunctionParameters(tool.Parameters)
		}
		out = append(out, openaisdk.ChatCompletionToolUnionParam{
			OfFunction: &openaisdk.ChatCompletionFunctionToolParam{Function: def},
		})
	}
	return out, nil
}

// toolCallItem normalizes a finished wire tool call. Calls travelling
// under the local shell alias come back as local_shell_call items.
func toolCallItem(callID, name, arguments string) item.Item {
	if name == localShellToolName {
		return item.NewLocalShellCall(callID, arguments)
	}
	return item.NewFunctionCall(callID, name, arguments)
}
