package turn

import (
	"context"
	"sync"
	"time"

	"github.com/cexll/turnflow/pkg/item"
)

// PendingCall is one dispatched tool call awaiting its output.
type PendingCall struct {
	CallID    string
	Kind      item.Kind
	Name      string
	StartedAt time.Time
}

// PendingTracker records every tool call from registration at stream time
// until its output item (real or synthetic) is produced. It satisfies
// the stream coordinator's registrar and the dispatcher's resolver.
type PendingTracker struct {
	mu    sync.Mutex
	calls map[string]PendingCall
	// empty is closed while no calls are outstanding and replaced with
	// an open channel on the first registration.
	empty chan struct{}
}

func NewPendingTracker() *PendingTracker {
	closed := make(chan struct{})
	close(closed)
	return &PendingTracker{calls: make(map[string]PendingCall), empty: closed}
}

// Register records a tool call. Re-registering a known call_id only
// refreshes its entry.
func (t *PendingTracker) Register(call item.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		t.empty = make(chan struct{})
	}
	t.calls[call.CallID] = PendingCall{
		CallID:    call.CallID,
		Kind:      call.Kind,
		Name:      call.Name,
		StartedAt: time.Now(),
	}
}

// Resolve releases a call_id. Resolving an unknown or already resolved
// id is a no-op, which makes the exactly-once discipline cheap for
// callers on error paths.
func (t *PendingTracker) Resolve(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[callID]; !ok {
		return
	}
	delete(t.calls, callID)
	if len(t.calls) == 0 {
		close(t.empty)
	}
}

// Len reports the number of outstanding calls.
func (t *PendingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Pending snapshots the outstanding calls in no particular order.
func (t *PendingTracker) Pending() []PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingCall, 0, len(t.calls))
	for _, call := range t.calls {
		out = append(out, call)
	}
	return out
}

// WaitEmpty blocks until every outstanding call has resolved or ctx
// expires. A tracker that is already drained reports success even when
// ctx is done, so the caller's terminal state reflects the drained
// tracker rather than the race between the two signals.
func (t *PendingTracker) WaitEmpty(ctx context.Context) error {
	t.mu.Lock()
	ch := t.empty
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
