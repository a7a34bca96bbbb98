// Package responsewire adapts the typed-output-item responses wire shape
// to the canonical event stream over plain HTTP and SSE. Unlike the chat
// wire, this protocol keeps conversation state server-side: the request
// may carry only the delta since previous_response_id.
package responsewire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
	"github.com/cexll/turnflow/pkg/telemetry"
)

var _ model.Backend = (*Backend)(nil)

// Backend is a responses-protocol adapter for one backend descriptor.
type Backend struct {
	client      *http.Client
	baseURL     string
	model       string
	apiKey      string
	maxTokens   int
	temperature *float64
}

// New builds an adapter from a resolved descriptor.
func New(desc backend.Descriptor) *Backend {
	return &Backend{
		client:      &http.Client{Timeout: 10 * time.Minute},
		baseURL:     desc.BaseURL,
		model:       desc.Model,
		apiKey:      desc.APIKey,
		maxTokens:   desc.MaxTokens,
		temperature: desc.Temperature,
	}
}

// Stream issues one responses call and normalizes the typed output items
// into canonical events.
func (b *Backend) Stream(ctx context.Context, req model.Request) (<-chan stream.Event, error) {
	payload := responsesRequest{
		Model:              b.model,
		Instructions:       req.Instructions,
		Input:              toWireItems(req.Items),
		PreviousResponseID: req.PreviousResponseID,
		MaxOutputTokens:    b.maxTokens,
		Temperature:        b.temperature,
		Stream:             req.Stream,
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}

	events := make(chan stream.Event, 16)
	go b.run(ctx, payload, events)
	return events, nil
}

func (b *Backend) run(ctx context.Context, payload responsesRequest, events chan<- stream.Event) {
	defer close(events)

	ctx, span := telemetry.StartSpan(ctx, "model.responses.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "responses"),
			attribute.String("llm.model", b.model),
			attribute.Bool("llm.stream", payload.Stream),
			attribute.Bool("llm.stateful", payload.PreviousResponseID != ""),
		)...),
	)
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	resp, err := b.doRequest(ctx, payload)
	if err != nil {
		runErr = classifyTransportError(err)
		events <- stream.Errored(runErr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		runErr = classifyHTTPError(resp)
		events <- stream.Errored(runErr)
		return
	}

	if !payload.Stream {
		runErr = b.consumeUnary(resp.Body, events)
	} else {
		runErr = newEventStream(events).consume(ctx, resp.Body)
	}
	if runErr != nil {
		events <- stream.Errored(runErr)
	}
}

func (b *Backend) consumeUnary(body io.Reader, events chan<- stream.Event) error {
	var obj responseObject
	if err := json.NewDecoder(body).Decode(&obj); err != nil {
		return retry.Transient("decode responses body: %v", err)
	}
	if obj.Error != nil {
		return classifyWireError(obj.Error)
	}
	for _, w := range obj.Output {
		if it, ok := fromWireItem(w); ok {
			events <- stream.ItemCompleted(it)
		}
	}
	var usage stream.Usage
	if obj.Usage != nil {
		usage = stream.Usage{InputTokens: obj.Usage.InputTokens, OutputTokens: obj.Usage.OutputTokens}
	}
	events <- stream.Done(obj.ID, usage)
	return nil
}

func (b *Backend) doRequest(ctx context.Context, payload responsesRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, retry.Fatal("encode responses request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+responsesPath, &buf)
	if err != nil {
		return nil, retry.Fatal("create responses request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return b.client.Do(req)
}

func classifyTransportError(err error) error {
	var berr *retry.BackendError
	if errors.As(err, &berr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Transient("responses transport: %v", err)
}

func classifyHTTPError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return retry.FromStatus(resp.StatusCode, fmt.Sprintf("read error body: %v", err))
	}
	body = bytes.TrimSpace(body)
	var apiErr errorResponse
	if len(body) > 0 && json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return retry.FromStatus(resp.StatusCode, APIError{
			StatusCode: resp.StatusCode,
			Type:       apiErr.Error.Type,
			Code:       apiErr.Error.Code,
			Message:    apiErr.Error.Message,
		}.Error())
	}
	if len(body) > 0 {
		return retry.FromStatus(resp.StatusCode, string(body))
	}
	return retry.FromStatus(resp.StatusCode, resp.Status)
}
