// Package turn composes the classifier, registry, retrying backend call,
// stream coordinator, and tool dispatcher into the run of one turn.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/classify"
	"github.com/cexll/turnflow/pkg/dispatch"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
	"github.com/cexll/turnflow/pkg/telemetry"
	"github.com/cexll/turnflow/pkg/transcript"
)

// State tracks where a turn is in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateRequesting  State = "requesting"
	StateStreaming   State = "streaming"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// ErrMaxSteps terminates a turn whose tool-use loop never converges.
var ErrMaxSteps = errors.New("turn exceeded maximum model steps")

// Factory builds a wire adapter for a resolved backend descriptor.
type Factory func(desc backend.Descriptor) (model.Backend, error)

// Result summarizes one finished turn. Items holds everything appended
// to the transcript during the turn, in append order.
type Result struct {
	State    State
	Category classify.Category
	Backend  string
	Steps    int
	Usage    stream.Usage
	Items    []item.Item
}

// Orchestrator runs turns against a shared transcript. One turn is
// active at a time; Run returns before the next may start.
type Orchestrator struct {
	store        *transcript.Store
	registry     *backend.Registry
	mapping      backend.TaskMapping
	factory      Factory
	newDisp      func(resolver dispatch.Resolver) *dispatch.Dispatcher
	policy       retry.Policy
	instructions string
	tools        []model.ToolDef
	maxSteps     int
	sink         stream.Sink
	log          *slog.Logger
	tel          *telemetry.Manager

	stateFn func(State)

	ctrlMu sync.Mutex
	ctrl   *CancelController
}

type Option func(*Orchestrator)

// WithInstructions sets the system/task instructions sent on every
// backend call.
func WithInstructions(text string) Option {
	return func(o *Orchestrator) { o.instructions = text }
}

// WithTools advertises tool definitions to the backend.
func WithTools(tools []model.ToolDef) Option {
	return func(o *Orchestrator) { o.tools = tools }
}

// WithRetryPolicy overrides the default backend retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMaxSteps caps model invocations per turn.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) { o.maxSteps = n }
}

// WithSink surfaces non-tool items live as the stream produces them.
func WithSink(sink stream.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithStateFunc observes state transitions, for UIs and tests.
func WithStateFunc(fn func(State)) Option {
	return func(o *Orchestrator) { o.stateFn = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithTelemetry(tel *telemetry.Manager) Option {
	return func(o *Orchestrator) { o.tel = tel }
}

// NewOrchestrator wires a turn pipeline. newDispatcher receives the
// turn's pending tracker so dispatched calls resolve exactly once.
func NewOrchestrator(
	store *transcript.Store,
	registry *backend.Registry,
	mapping backend.TaskMapping,
	factory Factory,
	newDispatcher func(resolver dispatch.Resolver) *dispatch.Dispatcher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		mapping:  mapping,
		factory:  factory,
		newDisp:  newDispatcher,
		policy:   retry.DefaultPolicy(),
		maxSteps: 8,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cancel aborts the active turn, if any. Idempotent.
func (o *Orchestrator) Cancel() {
	o.ctrlMu.Lock()
	ctrl := o.ctrl
	o.ctrlMu.Unlock()
	if ctrl != nil {
		ctrl.Cancel()
	}
}

// Run executes one turn: append input, classify, resolve a backend, then
// loop request → stream → dispatch until the model stops asking for
// tools. A failed turn leaves the transcript consistent up to the last
// appended item; a cancelled turn resolves every dispatched call before
// returning.
func (o *Orchestrator) Run(ctx context.Context, input []item.Item) (Result, error) {
	tracker := NewPendingTracker()
	ctrl, turnCtx := NewCancelController(ctx, tracker)
	o.ctrlMu.Lock()
	o.ctrl = ctrl
	o.ctrlMu.Unlock()
	dispatcher := o.newDisp(tracker)

	started := time.Now()
	res := Result{State: StateIdle}
	ctx, span := telemetry.StartSpan(turnCtx, "turn.run", trace.WithSpanKind(trace.SpanKindInternal))
	var runErr error
	defer func() {
		span.SetAttributes(telemetry.SanitizeAttributes(
			attribute.String("turn.state", string(res.State)),
			attribute.String("task.category", string(res.Category)),
			attribute.String("backend.id", res.Backend),
			attribute.Int("turn.steps", res.Steps),
		)...)
		telemetry.EndSpan(span, runErr)
		o.tel.RecordTurn(context.WithoutCancel(ctx), telemetry.TurnData{
			Backend:      res.Backend,
			Category:     string(res.Category),
			State:        string(res.State),
			Steps:        res.Steps,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			Duration:     time.Since(started),
			Error:        runErr,
		})
	}()

	o.setState(&res, StatePreparing)
	if err := o.store.Append(input...); err != nil {
		runErr = fmt.Errorf("append input: %w", err)
		return o.fail(&res, runErr)
	}
	res.Items = append(res.Items, input...)

	res.Category = classify.ClassifyItems(input)
	desc, err := o.registry.ResolveRoute(res.Category, o.mapping)
	if err != nil {
		runErr = fmt.Errorf("resolve backend: %w", err)
		return o.fail(&res, runErr)
	}
	res.Backend = desc.ID
	be, err := o.factory(desc)
	if err != nil {
		runErr = fmt.Errorf("backend %s: %w", desc.ID, err)
		return o.fail(&res, runErr)
	}
	o.log.Info("turn started",
		"category", res.Category, "backend", desc.ID, "model", desc.Model, "mode", o.store.Mode())

	for {
		if res.Steps >= o.maxSteps {
			runErr = fmt.Errorf("%w (%d)", ErrMaxSteps, o.maxSteps)
			return o.fail(&res, runErr)
		}
		res.Steps++

		o.setState(&res, StateRequesting)
		attempt, err := o.requestOnce(ctx, be, desc.Streaming, tracker)
		if err != nil {
			if ctrl.Cancelled() || errors.Is(err, context.Canceled) {
				return o.cancelled(ctx, &res, tracker, ctrl)
			}
			runErr = err
			return o.fail(&res, runErr)
		}

		if err := o.store.Append(attempt.Items...); err != nil {
			runErr = fmt.Errorf("append stream items: %w", err)
			return o.fail(&res, runErr)
		}
		res.Items = append(res.Items, attempt.Items...)
		res.Usage = res.Usage.Add(attempt.Usage)
		o.store.AcknowledgeResponse(attempt.ResponseID)

		if len(attempt.ToolCalls) == 0 {
			o.setState(&res, StateCompleted)
			if err := ctrl.Terminate(ctx); err != nil {
				runErr = fmt.Errorf("drain pending calls: %w", err)
				return o.fail(&res, runErr)
			}
			o.log.Info("turn completed", "steps", res.Steps,
				"input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens)
			return res, nil
		}

		o.setState(&res, StateDispatching)
		outputs := dispatcher.DispatchAll(ctx, attempt.ToolCalls)
		if err := o.store.Append(outputs...); err != nil {
			runErr = fmt.Errorf("append tool outputs: %w", err)
			return o.fail(&res, runErr)
		}
		res.Items = append(res.Items, outputs...)

		if ctrl.Cancelled() {
			return o.cancelled(ctx, &res, tracker, ctrl)
		}
		// Tool outputs are new model input; go around again.
	}
}

// requestOnce performs one backend call under the retry policy. Stream
// consumption happens inside the retried operation so a mid-stream
// transient failure replays the whole attempt; tool calls registered by
// a failed attempt are released before the next one.
func (o *Orchestrator) requestOnce(ctx context.Context, be model.Backend, streaming bool, tracker *PendingTracker) (stream.Result, error) {
	items, prevID := o.store.RequestPayload()
	req := model.Request{
		Instructions:       o.instructions,
		Items:              items,
		Tools:              o.tools,
		PreviousResponseID: prevID,
		Stream:             streaming,
	}
	co := stream.NewCoordinator(tracker, stream.WithSink(o.sink), stream.WithLogger(o.log))

	return retry.Do(ctx, o.policy, func() (stream.Result, error) {
		events, err := be.Stream(ctx, req)
		if err != nil {
			return stream.Result{}, err
		}
		o.setStateOnly(StateStreaming)
		res, err := co.Consume(ctx, events)
		if err != nil {
			for _, call := range res.ToolCalls {
				tracker.Resolve(call.CallID)
			}
			return stream.Result{}, err
		}
		return res, nil
	})
}

// cancelled resolves every pending call with a synthetic abort output,
// appends those outputs, and drives the controller to Terminated.
func (o *Orchestrator) cancelled(ctx context.Context, res *Result, tracker *PendingTracker, ctrl *CancelController) (Result, error) {
	for _, pending := range tracker.Pending() {
		if _, ok := o.store.FindOutput(pending.CallID); ok {
			tracker.Resolve(pending.CallID)
			continue
		}
		out := dispatch.AbortOutput(item.Item{
			Kind:   pending.Kind,
			CallID: pending.CallID,
			Name:   pending.Name,
		})
		if err := o.store.Append(out); err != nil {
			o.log.Error("append synthetic abort output", "call_id", pending.CallID, "error", err)
		} else {
			res.Items = append(res.Items, out)
		}
		tracker.Resolve(pending.CallID)
	}
	if err := ctrl.Terminate(context.WithoutCancel(ctx)); err != nil {
		o.setState(res, StateFailed)
		return *res, err
	}
	o.setState(res, StateCancelled)
	o.log.Info("turn cancelled", "steps", res.Steps)
	return *res, nil
}

func (o *Orchestrator) fail(res *Result, err error) (Result, error) {
	o.setState(res, StateFailed)
	o.log.Error("turn failed", "steps", res.Steps, "error", err)
	return *res, err
}

func (o *Orchestrator) setState(res *Result, s State) {
	res.State = s
	o.setStateOnly(s)
}

func (o *Orchestrator) setStateOnly(s State) {
	if o.stateFn != nil {
		o.stateFn(s)
	}
}
