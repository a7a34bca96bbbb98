// Package chatwire adapts the OpenAI chat-completions wire shape
// (messages/choices) to the canonical event stream, via the official
// SDK.
package chatwire

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
	"github.com/cexll/turnflow/pkg/telemetry"
)

var _ model.Backend = (*Backend)(nil)

// Backend is a chat-protocol adapter for one backend descriptor.
type Backend struct {
	client      openaisdk.Client
	model       string
	maxTokens   int
	temperature *float64
}

// New builds an adapter from a resolved descriptor.
func New(desc backend.Descriptor) *Backend {
	// Attempt retries belong to the orchestrator's retry policy, not the
	// SDK transport.
	opts := []option.RequestOption{option.WithAPIKey(desc.APIKey), option.WithMaxRetries(0)}
	if desc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(desc.BaseURL))
	}
	return &Backend{
		client:      openaisdk.NewClient(opts...),
		model:       desc.Model,
		maxTokens:   desc.MaxTokens,
		temperature: desc.Temperature,
	}
}

// Stream issues one chat completion and normalizes the reply into
// canonical events. Request conversion failures are fatal and returned
// directly; wire failures arrive as stream-error events.
func (b *Backend) Stream(ctx context.Context, req model.Request) (<-chan stream.Event, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, retry.Fatal("build chat request: %v", err)
	}
	events := make(chan stream.Event, 16)
	if req.Stream {
		go b.runStreaming(ctx, params, events)
	} else {
		go b.runUnary(ctx, params, events)
	}
	return events, nil
}

func (b *Backend) buildParams(req model.Request) (openaisdk.ChatCompletionNewParams, error) {
	messages, err := buildMessages(req.Instructions, req.Items)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	params := openaisdk.ChatCompletionNewParams{
		Messages: messages,
		Model:    openaisdk.ChatModel(b.model),
	}
	if b.maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(b.maxTokens))
	}
	if b.temperature != nil {
		params.Temperature = openaisdk.Float(*b.temperature)
	}
	tools, err := buildTools(req.Tools)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	params.Tools = tools
	return params, nil
}

func (b *Backend) runStreaming(ctx context.Context, params openaisdk.ChatCompletionNewParams, events chan<- stream.Event) {
	defer close(events)

	ctx, span := telemetry.StartSpan(ctx, "model.chat.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "chat"),
			attribute.String("llm.model", b.model),
			attribute.Bool("llm.stream", true),
		)...),
	)
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	st := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer st.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	var assistant item.Item
	started := false

	for st.Next() {
		chunk := st.Current()
		if !acc.AddChunk(chunk) {
			runErr = retry.Transient("accumulate stream chunk failed")
			events <- stream.Errored(runErr)
			return
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && !started {
			started = true
			assistant = item.NewMessage("assistant", "")
			assistant.Status = item.StatusInProgress
			events <- stream.ItemStarted(assistant)
		}
		if finished, ok := acc.JustFinishedToolCall(); ok {
			events <- stream.ItemCompleted(toolCallItem(finished.ID, finished.Name, finished.Arguments))
		}
	}
	if err := st.Err(); err != nil {
		runErr = classifyWireError(err)
		events <- stream.Errored(runErr)
		return
	}
	if len(acc.Choices) == 0 {
		runErr = retry.Transient("chat stream produced no choices")
		events <- stream.Errored(runErr)
		return
	}
	if text := acc.Choices[0].Message.Content; text != "" {
		final := item.NewMessage("assistant", text)
		if started {
			final.ID = assistant.ID
		}
		final.Status = item.StatusCompleted
		events <- stream.ItemCompleted(final)
	}
	events <- stream.Done(acc.ID, stream.Usage{
		InputTokens:  acc.Usage.PromptTokens,
		OutputTokens: acc.Usage.CompletionTokens,
	})
}

func (b *Backend) runUnary(ctx context.Context, params openaisdk.ChatCompletionNewParams, events chan<- stream.Event) {
	defer close(events)

	ctx, span := telemetry.StartSpan(ctx, "model.chat.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "chat"),
			attribute.String("llm.model", b.model),
			attribute.Bool("llm.stream", false),
		)...),
	)
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		runErr = classifyWireError(err)
		events <- stream.Errored(runErr)
		return
	}
	if len(completion.Choices) == 0 {
		runErr = retry.Transient("chat response contains no choices")
		events <- stream.Errored(runErr)
		return
	}
	msg := completion.Choices[0].Message
	if msg.Content != "" {
		final := item.NewMessage("assistant", msg.Content)
		final.Status = item.StatusCompleted
		events <- stream.ItemCompleted(final)
	}
	for _, call := range msg.ToolCalls {
		fn := call.AsFunction()
		if fn.Function.Name == "" {
			continue
		}
		events <- stream.ItemCompleted(toolCallItem(fn.ID, fn.Function.Name, fn.Function.Arguments))
	}
	events <- stream.Done(completion.ID, stream.Usage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	})
}

// classifyWireError maps SDK failures onto the retry taxonomy. Provider
// rate-limit text survives into the message so the retry layer can honor
// a suggested delay.
func classifyWireError(err error) error {
	var apierr *openaisdk.Error
	if errors.As(err, &apierr) {
		message := apierr.Message
		if message == "" {
			message = apierr.Error()
		}
		return retry.FromStatus(apierr.StatusCode, fmt.Sprintf("chat backend: %s", message))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Transient("chat backend: %v", err)
}
