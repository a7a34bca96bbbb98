package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	const maxAttempts = 4
	calls := 0
	out, err := Do(context.Background(), fastPolicy(maxAttempts), func() (string, error) {
		calls++
		if calls < maxAttempts {
			return "", Transient("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected result %q", out)
	}
	if calls != maxAttempts {
		t.Fatalf("expected %d attempts (%d retries), got %d", maxAttempts, maxAttempts-1, calls)
	}
}

func TestFatalFailsFastWithZeroRetries(t *testing.T) {
	calls := 0
	fatal := Fatal("invalid api key")
	_, err := Do(context.Background(), fastPolicy(4), func() (string, error) {
		calls++
		return "", fatal
	})
	if calls != 1 {
		t.Fatalf("fatal error must not retry, got %d attempts", calls)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Class != ClassFatal {
		t.Fatalf("error should propagate unchanged, got %v", err)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), func() (int, error) {
		calls++
		return 0, Transient("upstream 503")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Class != ClassTransient {
		t.Fatalf("exhausted error should be the last attempt's error, got %v", err)
	}
}

func TestRateLimitHonorsProviderDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), fastPolicy(2), func() (string, error) {
		calls++
		if calls == 1 {
			return "", RateLimited("rate limit reached, try again in 0.05s")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success after rate limit, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("provider delay not honored, elapsed %v", elapsed)
	}
}

func TestRateLimitExhaustionKeepsProviderError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), func() (string, error) {
		calls++
		return "", RateLimited("rate limit reached, try again in 0.01s")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Class != ClassRateLimit {
		t.Fatalf("exhausted error should stay the provider's rate-limit error, got %v", err)
	}
	if want := "backend error (rate_limit): rate limit reached, try again in 0.01s"; err.Error() != want {
		t.Fatalf("error text changed: %q", err.Error())
	}
}

func TestCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, Policy{MaxAttempts: 100, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}, func() (string, error) {
		calls++
		return "", Transient("flaky")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > 3 {
		t.Fatalf("cancellation should stop retries promptly, got %d attempts", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		message string
		want    time.Duration
		ok      bool
	}{
		{"Rate limit reached. Please try again in 2.5s.", 2500 * time.Millisecond, true},
		{"rate limited, retry in 30 seconds", 30 * time.Second, true},
		{"TRY AGAIN IN 1s", time.Second, true},
		{"please retry after 0.25s", 250 * time.Millisecond, true},
		{"quota exceeded", 0, false},
		{"try again later", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseRetryAfter(tc.message)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tc.message, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(FromStatus(429, "slow down")); got != ClassRateLimit {
		t.Fatalf("429 should classify as rate limit, got %s", got)
	}
	if got := Classify(FromStatus(503, "unavailable")); got != ClassTransient {
		t.Fatalf("503 should classify as transient, got %s", got)
	}
	if got := Classify(FromStatus(401, "bad key")); got != ClassFatal {
		t.Fatalf("401 should classify as fatal, got %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != ClassTransient {
		t.Fatalf("timeout should classify as transient, got %s", got)
	}
	if got := Classify(context.Canceled); got != ClassFatal {
		t.Fatalf("cancellation must not be retried, got %s", got)
	}
	if got := Classify(errors.New("parse failure")); got != ClassFatal {
		t.Fatalf("unknown errors fail fast, got %s", got)
	}
}
