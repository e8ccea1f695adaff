package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPoll_SucceedsOnThirdAttempt(t *testing.T) {
	clock := NewInstantClock(time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC))
	calls := 0

	err := Poll(context.Background(), clock, Fixed(10, 3*time.Second), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return attempt == 2, nil
	})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if got := clock.Total(); got != 6*time.Second {
		t.Errorf("expected 6s of waiting, got %v", got)
	}
}

func TestPoll_Exhausted(t *testing.T) {
	clock := NewInstantClock(time.Time{})
	calls := 0

	err := Poll(context.Background(), clock, Fixed(4, time.Second), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if len(clock.Waits()) != 3 {
		t.Errorf("expected 3 waits between 4 attempts, got %d", len(clock.Waits()))
	}
}

func TestPoll_ErrorStopsImmediately(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Poll(context.Background(), NewInstantClock(time.Time{}), Fixed(5, time.Second), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPoll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Poll(ctx, NewInstantClock(time.Time{}), Fixed(5, time.Second), func(ctx context.Context, attempt int) (bool, error) {
		t.Fatal("fn must not run on a cancelled context")
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Exponential(6, 100*time.Millisecond, 500*time.Millisecond)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", attempt, got, w)
		}
	}

	fixed := Fixed(3, 2*time.Second)
	if fixed.Backoff(2) != 2*time.Second {
		t.Errorf("fixed policy should not grow, got %v", fixed.Backoff(2))
	}
}

func TestWithin(t *testing.T) {
	p := Within(120*time.Second, 2*time.Second)
	if p.MaxAttempts != 60 {
		t.Errorf("expected 60 attempts, got %d", p.MaxAttempts)
	}
	if Within(time.Second, 5*time.Second).MaxAttempts != 1 {
		t.Error("expected at least one attempt")
	}
}
