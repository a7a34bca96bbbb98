package turn

import (
	"context"
	"sync"
)

// CancelState is the controller's position in its small state machine.
type CancelState string

const (
	CancelActive     CancelState = "active"
	CancelCancelling CancelState = "cancelling"
	CancelTerminated CancelState = "terminated"
)

// CancelController scopes one abort signal to one turn. Cancel is
// idempotent: the first call aborts the stream context and every
// in-flight executor call; later calls do nothing. The controller only
// reaches Terminated once the pending tracker has drained, so no call_id
// is left unresolved.
type CancelController struct {
	mu      sync.Mutex
	state   CancelState
	cancel  context.CancelFunc
	tracker *PendingTracker
	done    chan struct{}
}

// NewCancelController derives the turn's context from parent and binds
// the controller to tracker.
func NewCancelController(parent context.Context, tracker *PendingTracker) (*CancelController, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &CancelController{
		state:   CancelActive,
		cancel:  cancel,
		tracker: tracker,
		done:    make(chan struct{}),
	}, ctx
}

// Cancel signals the turn to abort. Safe to call from any goroutine and
// any number of times.
func (c *CancelController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CancelActive {
		return
	}
	c.state = CancelCancelling
	c.cancel()
}

// Cancelled reports whether Cancel has been called.
func (c *CancelController) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != CancelActive
}

// State returns the current controller state.
func (c *CancelController) State() CancelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminate completes the state machine after the orchestrator has
// resolved every pending call. It waits for the tracker to drain and
// then transitions to Terminated exactly once.
func (c *CancelController) Terminate(ctx context.Context) error {
	if err := c.tracker.WaitEmpty(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CancelTerminated {
		return nil
	}
	c.state = CancelTerminated
	c.cancel()
	close(c.done)
	return nil
}

// Terminated is closed once the controller reaches its final state.
func (c *CancelController) Terminated() <-chan struct{} {
	return c.done
}
