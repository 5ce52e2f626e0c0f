// Package runner drives the periodic sync loop: it probes remote liveness,
// runs dispatch cycles on a timer or on demand, and keeps the latest outcome
// available for the status surface.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/cadelake/outpost/errs"
	"github.com/cadelake/outpost/internal/syncer"
)

// probeMaxBackoff caps how long the loop waits between probes of an
// unreachable remote. Item retries carry no backoff; only the liveness probe
// is paced.
const probeMaxBackoff = 2 * time.Minute

// Syncer runs one dispatch cycle.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Result, error)
}

// Prober reports whether the remote authority is reachable.
type Prober interface {
	CheckHealth(ctx context.Context) error
}

// State labels what the loop was last seen doing.
type State string

const (
	// StateIdle means no cycle is in flight.
	StateIdle State = "idle"
	// StateSyncing means a cycle is in flight.
	StateSyncing State = "syncing"
	// StateOffline means the last probe found the remote unreachable.
	StateOffline State = "offline"
)

// Snapshot describes the loop's most recent activity.
type Snapshot struct {
	State         State          `json:"state"`
	ProbeFailures int            `json:"probe_failures"`
	LastError     string         `json:"last_error,omitempty"`
	LastProbeAt   *time.Time     `json:"last_probe_at,omitempty"`
	LastCycleAt   *time.Time     `json:"last_cycle_at,omitempty"`
	LastResult    *syncer.Result `json:"last_result,omitempty"`
}

// Runner owns the sync cadence. Cycles are strictly serialized: the timer
// loop and manual triggers share one lock, so the queue only ever has a
// single writer.
type Runner struct {
	engine   Syncer
	prober   Prober
	interval time.Duration
	logger   zerolog.Logger

	runMu sync.Mutex

	mu            sync.Mutex
	state         State
	probeFailures int
	lastError     string
	lastProbeAt   time.Time
	lastCycleAt   time.Time
	lastResult    *syncer.Result

	clock func() time.Time
}

// New constructs a Runner around the engine and liveness prober.
func New(engine Syncer, prober Prober, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		engine:   engine,
		prober:   prober,
		interval: interval,
		logger:   logger,
		state:    StateIdle,
		clock:    time.Now,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Run blocks, dispatching one cycle immediately and then on every interval
// tick, until the context ends. An unreachable remote defers cycles with
// exponential probe backoff; the first successful probe resets it.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = probeMaxBackoff

	var holdUntil time.Time
	handle := func(err error) {
		switch {
		case err == nil:
			retry.Reset()
			holdUntil = time.Time{}
		case errs.CodeOf(err) == errs.CodeUnavailable || errs.CodeOf(err) == errs.CodeNetwork:
			sleep := retry.NextBackOff()
			if sleep == backoff.Stop {
				sleep = probeMaxBackoff
			}
			holdUntil = r.clock().Add(sleep)
			r.logger.Warn().Dur("retry_in", sleep).Msg("remote offline, sync deferred")
		default:
			r.logger.Error().Err(err).Msg("sync cycle failed")
		}
	}

	r.logger.Info().Dur("interval", r.interval).Msg("sync runner started")

	// Drain whatever queued while the process was down before the first tick.
	_, err := r.RunNow(ctx)
	handle(err)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("sync runner stopped")
			return ctx.Err()
		case <-ticker.C:
			if r.clock().Before(holdUntil) {
				continue
			}
			_, err := r.RunNow(ctx)
			handle(err)
		}
	}
}

// RunNow probes the remote and, when reachable, runs one dispatch cycle.
// An unreachable remote returns an offline error without touching the queue,
// so no retry budget is spent on connectivity gaps.
func (r *Runner) RunNow(ctx context.Context) (syncer.Result, error) {
	if err := r.prober.CheckHealth(ctx); err != nil {
		r.mu.Lock()
		r.state = StateOffline
		r.lastProbeAt = r.clock()
		r.probeFailures++
		r.lastError = err.Error()
		r.mu.Unlock()
		return syncer.Result{}, errs.Offline("currently offline", errs.WithCause(err))
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	r.state = StateSyncing
	r.lastProbeAt = r.clock()
	r.probeFailures = 0
	r.mu.Unlock()

	result, err := r.engine.Sync(ctx)

	r.mu.Lock()
	r.state = StateIdle
	r.lastCycleAt = r.clock()
	stored := result
	r.lastResult = &stored
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()

	return result, err
}

// Snapshot reports the loop's most recent activity for the status surface.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		State:         r.state,
		ProbeFailures: r.probeFailures,
		LastError:     r.lastError,
	}
	if !r.lastProbeAt.IsZero() {
		at := r.lastProbeAt
		snap.LastProbeAt = &at
	}
	if !r.lastCycleAt.IsZero() {
		at := r.lastCycleAt
		snap.LastCycleAt = &at
	}
	if r.lastResult != nil {
		result := *r.lastResult
		snap.LastResult = &result
	}
	return snap
}
