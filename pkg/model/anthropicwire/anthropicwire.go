// Package anthropicwire adapts the Anthropic messages wire shape
// (content blocks) to the canonical event stream, via the official SDK.
package anthropicwire

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
	"github.com/cexll/turnflow/pkg/telemetry"
)

const (
	defaultMaxTokens = 4096

	// localShellToolName carries local_shell_call items on a wire with
	// no native shell-call block type.
	localShellToolName = "local_shell"
)

var _ model.Backend = (*Backend)(nil)

// Backend is an anthropic-protocol adapter for one backend descriptor.
type Backend struct {
	client      anthropicsdk.Client
	model       string
	maxTokens   int
	temperature *float64
}

// New builds an adapter from a resolved descriptor.
func New(desc backend.Descriptor) *Backend {
	opts := []option.RequestOption{option.WithAPIKey(desc.APIKey), option.WithMaxRetries(0)}
	if desc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(desc.BaseURL))
	}
	maxTokens := desc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Backend{
		client:      anthropicsdk.NewClient(opts...),
		model:       desc.Model,
		maxTokens:   maxTokens,
		temperature: desc.Temperature,
	}
}

// Stream issues one messages call and normalizes the content blocks into
// canonical events.
func (b *Backend) Stream(ctx context.Context, req model.Request) (<-chan stream.Event, error) {
	systemBlocks, messages := buildMessages(req.Instructions, req.Items)
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(b.model),
		MaxTokens: int64(b.maxTokens),
		Messages:  messages,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if b.temperature != nil {
		params.Temperature = anthropicsdk.Float(*b.temperature)
	}
	if tools := buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	events := make(chan stream.Event, 16)
	go b.run(ctx, params, events)
	return events, nil
}

func (b *Backend) run(ctx context.Context, params anthropicsdk.MessageNewParams, events chan<- stream.Event) {
	defer close(events)

	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
			attribute.String("llm.model", b.model),
			attribute.Bool("llm.stream", true),
		)...),
	)
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	st := b.client.Messages.NewStreaming(ctx, params)
	message := anthropicsdk.Message{}
	started := false

	for st.Next() {
		event := st.Current()
		if err := message.Accumulate(event); err != nil {
			runErr = retry.Transient("accumulate stream event: %v", err)
			events <- stream.Errored(runErr)
			return
		}
		switch delta := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if _, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok && !started {
				started = true
				pending := item.NewMessage("assistant", "")
				pending.Status = item.StatusInProgress
				events <- stream.ItemStarted(pending)
			}
		}
	}
	if err := st.Err(); err != nil {
		runErr = classifyWireError(err)
		events <- stream.Errored(runErr)
		return
	}

	emitMessage(events, message)
	events <- stream.Done(message.ID, stream.Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	})
}

// emitMessage converts an accumulated message into completed items: one
// message item for the joined text, one tool-call item per tool_use
// block, in block order.
func emitMessage(events chan<- stream.Event, message anthropicsdk.Message) {
	var text string
	type pendingCall struct {
		id, name, input string
	}
	var calls []pendingCall
	for _, block := range message.Content {
		switch content := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if text != "" {
				text += "\n"
			}
			text += content.Text
		case anthropicsdk.ToolUseBlock:
			calls = append(calls, pendingCall{
				id:    content.ID,
				name:  content.Name,
				input: encodeToolInput(content.Input),
			})
		}
	}
	if text != "" {
		msg := item.NewMessage("assistant", text)
		msg.Status = item.StatusCompleted
		events <- stream.ItemCompleted(msg)
	}
	for _, call := range calls {
		if call.name == localShellToolName {
			events <- stream.ItemCompleted(item.NewLocalShellCall(call.id, call.input))
			continue
		}
		events <- stream.ItemCompleted(item.NewFunctionCall(call.id, call.name, call.input))
	}
}

func classifyWireError(err error) error {
	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		return retry.FromStatus(apierr.StatusCode, fmt.Sprintf("anthropic backend: %v", apierr))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Transient("anthropic backend: %v", err)
}
