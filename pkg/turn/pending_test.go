package turn

import (
	"context"
	"testing"
	"time"

	"github.com/cexll/turnflow/pkg/item"
)

func TestTrackerRegisterResolve(t *testing.T) {
	tr := NewPendingTracker()
	if tr.Len() != 0 {
		t.Fatalf("fresh tracker not empty: %d", tr.Len())
	}
	tr.Register(item.NewFunctionCall("call_1", "shell", "{}"))
	tr.Register(item.NewLocalShellCall("call_2", "{}"))
	if tr.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", tr.Len())
	}

	tr.Resolve("call_1")
	tr.Resolve("call_1")
	tr.Resolve("call_unknown")
	if tr.Len() != 1 {
		t.Fatalf("idempotent resolve broke count: %d", tr.Len())
	}
	pending := tr.Pending()
	if len(pending) != 1 || pending[0].CallID != "call_2" {
		t.Fatalf("unexpected pending snapshot: %+v", pending)
	}
}

func TestWaitEmptyReturnsImmediatelyWhenDrained(t *testing.T) {
	tr := NewPendingTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tr.WaitEmpty(ctx); err != nil {
		t.Fatalf("empty tracker should not block: %v", err)
	}
}

func TestWaitEmptyBlocksUntilResolved(t *testing.T) {
	tr := NewPendingTracker()
	tr.Register(item.NewFunctionCall("call_1", "shell", "{}"))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- tr.WaitEmpty(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitEmpty returned while a call was pending")
	default:
	}

	tr.Resolve("call_1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitEmpty: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty never observed the drain")
	}
}

func TestWaitEmptyHonorsContext(t *testing.T) {
	tr := NewPendingTracker()
	tr.Register(item.NewFunctionCall("call_1", "shell", "{}"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.WaitEmpty(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestCancelControllerIdempotent(t *testing.T) {
	tr := NewPendingTracker()
	ctrl, ctx := NewCancelController(context.Background(), tr)
	if ctrl.State() != CancelActive {
		t.Fatalf("fresh controller state %s", ctrl.State())
	}
	ctrl.Cancel()
	ctrl.Cancel()
	if ctrl.State() != CancelCancelling {
		t.Fatalf("expected cancelling, got %s", ctrl.State())
	}
	if ctx.Err() == nil {
		t.Fatal("turn context should be cancelled")
	}
}

func TestTerminateWaitsForDrain(t *testing.T) {
	tr := NewPendingTracker()
	tr.Register(item.NewFunctionCall("call_1", "shell", "{}"))
	ctrl, _ := NewCancelController(context.Background(), tr)
	ctrl.Cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Terminate(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if ctrl.State() == CancelTerminated {
		t.Fatal("terminated before the tracker drained")
	}
	tr.Resolve("call_1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("terminate: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("terminate never completed")
	}
	if ctrl.State() != CancelTerminated {
		t.Fatalf("expected terminated, got %s", ctrl.State())
	}
	select {
	case <-ctrl.Terminated():
	default:
		t.Fatal("Terminated channel not closed")
	}
}

func TestWaitEmptyPrefersDrainedOverCancelledContext(t *testing.T) {
	tr := NewPendingTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Both signals are ready; the drained tracker must win every time.
	for i := 0; i < 100; i++ {
		if err := tr.WaitEmpty(ctx); err != nil {
			t.Fatalf("drained tracker reported %v on iteration %d", err, i)
		}
	}
}

func TestTerminateSucceedsWhenDrainedUnderCancelledContext(t *testing.T) {
	tr := NewPendingTracker()
	ctrl, turnCtx := NewCancelController(context.Background(), tr)
	tr.Register(item.NewFunctionCall("call_1", "shell", "{}"))
	tr.Resolve("call_1")
	ctrl.Cancel()
	if err := ctrl.Terminate(turnCtx); err != nil {
		t.Fatalf("terminate with drained tracker: %v", err)
	}
	if ctrl.State() != CancelTerminated {
		t.Fatalf("expected terminated, got %s", ctrl.State())
	}
}

func TestTerminateImmediateWhenNothingPending(t *testing.T) {
	tr := NewPendingTracker()
	ctrl, _ := NewCancelController(context.Background(), tr)
	ctrl.Cancel()
	if err := ctrl.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if ctrl.State() != CancelTerminated {
		t.Fatalf("expected terminated, got %s", ctrl.State())
	}
}
