package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

// instantSleep never actually waits, so the backoff loop's decision
// logic can be exercised without real wall-clock delays; it records
// every requested delay for assertion.
func instantSleep(delays *[]time.Duration) sleepFunc {
	return func(ctx context.Context, d time.Duration) bool {
		*delays = append(*delays, d)
		return ctx.Err() == nil
	}
}

func Test_backoff_doubles_and_caps(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	runOnce := func(ctx context.Context) error {
		attempts++
		return errors.New("dial failed")
	}

	code := reconnectLoop(context.Background(), runOnce, instantSleep(&delays))
	if code != 1 {
		t.Fatalf("expected exit code 1 after exhausting retries, got %d", code)
	}
	if attempts != MaxConsecutiveFailures {
		t.Fatalf("expected %d attempts, got %d", MaxConsecutiveFailures, attempts)
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d: %v", len(want), len(delays), delays)
	}
	for i, w := range want {
		if delays[i] != w {
			t.Errorf("sleep %d: expected %v, got %v", i+1, w, delays[i])
		}
	}
}

func Test_run_shortcircuits_during_backoff_sleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runOnce := func(ctx context.Context) error {
		return errors.New("dial failed")
	}
	// shutdown arrives only once the loop has entered the backoff sleep.
	sleep := func(ctx context.Context, d time.Duration) bool {
		cancel()
		return sleepOrDone(ctx, d)
	}

	code := reconnectLoop(ctx, runOnce, sleep)
	if code != 0 {
		t.Fatalf("expected exit code 0 on shutdown during backoff, got %d", code)
	}
}

func Test_graceful_disconnect_resets_backoff(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	runOnce := func(ctx context.Context) error {
		attempts++
		if attempts == 3 {
			return nil // graceful disconnect resets the failure count
		}
		return errors.New("dial failed")
	}

	code := reconnectLoop(context.Background(), runOnce, instantSleep(&delays))
	if code != 1 {
		t.Fatalf("expected eventual exhaustion, got code %d", code)
	}
	// two failures before the graceful reset, then MaxConsecutiveFailures-1
	// more sleeps (the final failure gives up instead of sleeping again).
	wantSleeps := 2 + (MaxConsecutiveFailures - 1)
	if len(delays) != wantSleeps {
		t.Fatalf("expected %d backoff sleeps, got %d: %v", wantSleeps, len(delays), delays)
	}
	if delays[2] != InitialBackoff {
		t.Fatalf("expected delay to reset to %v after graceful disconnect, got %v", InitialBackoff, delays[2])
	}
}

func Test_run_exits_cleanly_on_shutdown_between_attempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runOnce := func(ctx context.Context) error {
		return errors.New("dial failed")
	}

	var delays []time.Duration
	code := reconnectLoop(ctx, runOnce, instantSleep(&delays))
	if code != 0 {
		t.Fatalf("expected exit code 0 when ctx already cancelled, got %d", code)
	}
}
