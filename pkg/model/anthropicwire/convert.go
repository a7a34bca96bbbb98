package anthropicwire

import (
	"encoding/json"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
)

// buildMessages converts transcript items into the messages wire shape.
// Consecutive blocks for the same role are merged into one message so
// the wire sees strict role alternation.
func buildMessages(instructions string, items []item.Item) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	if strings.TrimSpace(instructions) != "" {
		systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: instructions})
	}

	var messages []anthropicsdk.MessageParam
	appendBlock := func(role anthropicsdk.MessageParamRole, block anthropicsdk.ContentBlockParamUnion) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			return
		}
		messages = append(messages, anthropicsdk.MessageParam{
			Role:    role,
			Content: []anthropicsdk.ContentBlockParamUnion{block},
		})
	}

	for _, it := range items {
		switch it.Kind {
		case item.KindMessage:
			switch strings.ToLower(it.Role) {
			case "system":
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: it.Text})
			case "assistant":
				appendBlock(anthropicsdk.MessageParamRoleAssistant, anthropicsdk.NewTextBlock(it.Text))
			default:
				appendBlock(anthropicsdk.MessageParamRoleUser, anthropicsdk.NewTextBlock(it.Text))
			}
		case item.KindFunctionCall, item.KindLocalShellCall:
			name := it.Name
			if it.Kind == item.KindLocalShellCall {
				name = localShellToolName
			}
			appendBlock(anthropicsdk.MessageParamRoleAssistant,
				anthropicsdk.NewToolUseBlock(it.CallID, decodeArguments(it.Arguments), name))
		case item.KindFunctionCallOutput, item.KindLocalShellCallOutput:
			result := anthropicsdk.ToolResultBlockParam{
				ToolUseID: it.CallID,
				Content: []anthropicsdk.ToolResultBlockParamContentUnion{
					{OfText: &anthropicsdk.TextBlockParam{Text: it.Output}},
				},
			}
			appendBlock(anthropicsdk.MessageParamRoleUser,
				anthropicsdk.ContentBlockParamUnion{OfToolResult: &result})
		case item.KindReasoning:
			// Reasoning items are not replayed to this wire.
		}
	}

	if len(messages) == 0 {
		messages = append(messages, anthropicsdk.MessageParam{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock("")},
		})
	}
	return systemBlocks, messages
}

func buildTools(tools []model.ToolDef) []anthropicsdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		param := anthropicsdk.ToolParam{
			Name:        name,
			InputSchema: toolSchema(tool.Parameters),
		}
		if tool.Description != "" {
			param.Description = anthropicsdk.String(tool.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &param})
	}
	return out
}

func toolSchema(params map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{Type: "object"}
	if len(params) == 0 {
		return schema
	}
	if props, ok := params["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if req, ok := params["required"].([]any); ok {
		required := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
		schema.Required = required
	}
	return schema
}

func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func encodeToolInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
