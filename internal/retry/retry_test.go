package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_StopsAfterSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("provider timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	errProvider := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errProvider
	})
	if !errors.Is(err, errProvider) {
		t.Fatalf("Do returned %v, want %v", err, errProvider)
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want 3", calls)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	errBadRequest := errors.New("invalid destination")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(errBadRequest)
	})
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("Do returned %v, want %v", err, errBadRequest)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times after permanent error, want 1", calls)
	}
}

// The wrapper is stripped before Do returns, so callers can match the
// original error with errors.Is without knowing about this package.
func TestDo_PermanentUnwrappedInResult(t *testing.T) {
	sentinel := errors.New("rejected")
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("Do returned %v, want the unwrapped sentinel", err)
	}
}

func TestDo_CancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, 10, time.Second, func() error {
			calls.Add(1)
			return errors.New("unreachable host")
		})
	}()

	// Cancel while Do is sleeping between attempts.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if c := calls.Load(); c != 1 {
		t.Fatalf("fn ran %d times before cancellation, want 1", c)
	}
}

func TestDo_AtLeastOneAttempt(t *testing.T) {
	for _, attempts := range []int{0, -3} {
		calls := 0
		if err := Do(context.Background(), attempts, time.Millisecond, func() error {
			calls++
			return nil
		}); err != nil {
			t.Fatalf("maxAttempts=%d: Do returned %v", attempts, err)
		}
		if calls != 1 {
			t.Fatalf("maxAttempts=%d: fn ran %d times, want 1", attempts, calls)
		}
	}
}

func TestDo_DelayGrows(t *testing.T) {
	var ticks []time.Time
	err := Do(context.Background(), 3, 30*time.Millisecond, func() error {
		ticks = append(ticks, time.Now())
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("Do returned nil, want error")
	}
	if len(ticks) != 3 {
		t.Fatalf("fn ran %d times, want 3", len(ticks))
	}

	first := ticks[1].Sub(ticks[0])
	second := ticks[2].Sub(ticks[1])
	// Jitter is +-25%, so even the widest first gap (37.5ms) stays under
	// the narrowest second gap (45ms).
	if second <= first {
		t.Errorf("second gap %v not longer than first %v", second, first)
	}
}
