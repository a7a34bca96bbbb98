package stream

import (
	"context"
	"log/slog"

	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/retry"
)

// Registrar records tool calls that now await outputs. Satisfied by the
// turn-layer pending tracker.
type Registrar interface {
	Register(call item.Item)
}

// Sink observes completed items as they arrive, in stream order. It may feed
// a live UI; the authoritative transcript append happens from the returned
// Result once the attempt succeeds, so a retried attempt never leaves
// half-appended items behind.
type Sink func(item.Item)

// Result collects one successfully consumed response stream.
type Result struct {
	// Items holds every completed item in arrival order, tool calls included.
	Items []item.Item
	// ToolCalls holds the tool-call subset, in arrival order. Outputs must
	// later be appended in this order, not completion order.
	ToolCalls  []item.Item
	ResponseID string
	Usage      Usage
}

// Coordinator consumes canonical event streams.
type Coordinator struct {
	reg  Registrar
	sink Sink
	log  *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSink installs a live item observer.
func WithSink(sink Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator builds a coordinator registering tool calls with reg.
func NewCoordinator(reg Registrar, opts ...Option) *Coordinator {
	c := &Coordinator{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Consume drains one event stream. Tool-call items are registered with the
// registrar the moment they complete; other completed items go to the sink.
// A stream-error is classified into the retry taxonomy so the in-progress
// attempt can be retried or failed by the caller. A channel that closes
// without stream-done counts as a transient failure.
func (c *Coordinator) Consume(ctx context.Context, events <-chan Event) (Result, error) {
	var res Result
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return res, retry.Transient("stream closed before stream-done")
			}
			switch ev.Type {
			case EventItemStarted:
				if ev.Item != nil {
					c.log.Debug("item started", slog.String("kind", string(ev.Item.Kind)))
				}
			case EventItemCompleted:
				if ev.Item == nil {
					continue
				}
				it := *ev.Item
				res.Items = append(res.Items, it)
				if it.IsToolCall() {
					if c.reg != nil {
						c.reg.Register(it)
					}
					res.ToolCalls = append(res.ToolCalls, it)
					c.log.Debug("tool call surfaced",
						slog.String("call_id", it.CallID), slog.String("name", it.Name))
					continue
				}
				if c.sink != nil {
					c.sink(it)
				}
			case EventStreamError:
				err := ev.Err
				if err == nil {
					err = retry.Transient("stream reported an error without detail")
				}
				return res, err
			case EventStreamDone:
				res.ResponseID = ev.ResponseID
				res.Usage = ev.Usage
				return res, nil
			}
		}
	}
}
