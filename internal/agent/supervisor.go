package agent

import (
	"context"
	"log/slog"
	"time"
)

// Reconnect backoff parameters (spec §4.4, §6): the delay starts at
// InitialBackoff, doubles on every consecutive failure, caps at
// MaxBackoff, and the supervisor gives up after MaxConsecutiveFailures
// in a row.
const (
	InitialBackoff         = 1000 * time.Millisecond
	MaxBackoff             = 30000 * time.Millisecond
	MaxConsecutiveFailures = 10
)

// Supervisor owns the agent's reconnect loop: dial, run the tunnel to
// completion, and on failure back off before trying again.
type Supervisor struct {
	cfg *Config
}

// New builds a supervisor from the given configuration.
func New(cfg *Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run drives the reconnect loop until ctx is cancelled or the agent
// exhausts MaxConsecutiveFailures reconnect attempts. It returns the
// process exit code: 0 for a clean shutdown, 1 for exhausted retries.
func (s *Supervisor) Run(ctx context.Context) int {
	return reconnectLoop(ctx, s.runOnce, sleepOrDone)
}

// runOnce connects to the gateway and runs the tunnel to completion. A
// nil return means the gateway closed the channel gracefully (or ctx
// was cancelled); any other return is a failure that should back off.
func (s *Supervisor) runOnce(ctx context.Context) error {
	tunnel, err := ConnectTunnel(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer tunnel.Close()
	return tunnel.Run(ctx)
}

// sleepFunc waits out a backoff delay, returning false if ctx was
// cancelled first. Factored out so the loop's decision logic can be
// tested without waiting on real wall-clock delays.
type sleepFunc func(ctx context.Context, d time.Duration) bool

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// reconnectLoop implements the backoff state machine (spec §4.4): reset
// on a graceful disconnect, double the delay on failure up to MaxBackoff,
// and give up with exit code 1 after MaxConsecutiveFailures in a row.
// A shutdown observed either between attempts or during the backoff
// sleep exits with code 0.
func reconnectLoop(ctx context.Context, runOnce func(context.Context) error, sleep sleepFunc) int {
	failures := 0
	delay := InitialBackoff

	for {
		err := runOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("shutdown requested, agent exiting")
			return 0
		}
		if err == nil {
			slog.Info("tunnel closed gracefully, reconnecting")
			failures = 0
			delay = InitialBackoff
			continue
		}

		failures++
		slog.Warn("tunnel connection failed", "err", err, "attempt", failures, "delay", delay)
		if failures >= MaxConsecutiveFailures {
			slog.Error("giving up after too many consecutive failures", "attempts", failures)
			return 1
		}

		if !sleep(ctx, delay) {
			slog.Info("shutdown requested during backoff, agent exiting")
			return 0
		}

		delay *= 2
		if delay > MaxBackoff {
			delay = MaxBackoff
		}
	}
}
