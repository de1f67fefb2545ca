// Package reaper sweeps for zombie sessions: records stuck in a non-terminal
// state past their deadline with no liveness signal. It forces them out
// through the registry's transition entry point, so it can never bypass
// legality or the version check.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
)

// Deadlines holds the maximum idle time allowed per state. Pending and provisioning are
// measured from the last transition; ready, active, and paused are measured
// from the last heartbeat, falling back to the last transition when the
// backend has never reported one.
type Deadlines struct {
	Pending      time.Duration
	Provisioning time.Duration
	Ready        time.Duration
	Active       time.Duration
	Paused       time.Duration
}

func DefaultDeadlines() Deadlines {
	return Deadlines{
		Pending:      2 * time.Minute,
		Provisioning: 10 * time.Minute,
		Ready:        30 * time.Minute,
		Active:       5 * time.Minute,
		Paused:       24 * time.Hour,
	}
}

type Reaper struct {
	registry  *registry.Registry
	deadlines Deadlines
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func New(reg *registry.Registry, deadlines Deadlines, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		registry:  reg,
		deadlines: deadlines,
		interval:  interval,
		logger:    logger.With().Str("component", "reaper").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Tests only.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Start runs sweeps until ctx is cancelled. It sweeps once immediately so a
// restart does not wait a full interval to catch up.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		r.sweepOnce(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOnce(ctx)
			}
		}
	}()
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	start := r.now()
	reaped, err := r.Sweep(ctx)
	durMS := float64(time.Since(start).Milliseconds())
	metrics.Default().ObserveHistogram("nimbus_reaper_sweep_duration_ms", durMS, nil)
	if err != nil {
		metrics.Default().IncCounter("nimbus_reaper_sweeps_total", map[string]string{"status": "error"})
		r.logger.Error().Err(err).Msg("sweep failed")
		return
	}
	metrics.Default().IncCounter("nimbus_reaper_sweeps_total", map[string]string{"status": "ok"})
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("sweep reaped zombie sessions")
	}
}

// Sweep scans every swept state once and reaps sessions past their deadline.
// It returns how many transitions it applied.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	states := []struct {
		state    model.SessionState
		deadline time.Duration
	}{
		{model.SessionPending, r.deadlines.Pending},
		{model.SessionProvisioning, r.deadlines.Provisioning},
		{model.SessionReady, r.deadlines.Ready},
		{model.SessionActive, r.deadlines.Active},
		{model.SessionPaused, r.deadlines.Paused},
	}

	reaped := 0
	for _, sc := range states {
		if sc.deadline <= 0 {
			continue
		}
		sessions, err := r.registry.ListByState(ctx, sc.state)
		if err != nil {
			return reaped, err
		}
		for _, sess := range sessions {
			if !r.expired(sess, sc.deadline) {
				continue
			}
			if r.reap(ctx, sess) {
				reaped++
			}
		}
	}
	return reaped, nil
}

func (r *Reaper) expired(sess *model.Session, deadline time.Duration) bool {
	ref := sess.LastTransitionAt
	switch sess.State {
	case model.SessionReady, model.SessionActive, model.SessionPaused:
		if sess.LastHeartbeatAt != nil {
			ref = *sess.LastHeartbeatAt
		}
	}
	return r.now().Sub(ref) > deadline
}

// reap forces one session out, error when the backend reported a failure and
// terminated for a clean timeout. StaleVersion means another actor got there
// first; the next sweep re-reads, so nothing is retried here.
func (r *Reaper) reap(ctx context.Context, sess *model.Session) bool {
	target := model.SessionTerminated
	if sess.FailureSignal != "" {
		target = model.SessionError
	}

	_, err := r.registry.AttemptTransition(ctx, sess.ID, sess.Version, target)
	if err != nil {
		var stale *registry.StaleVersionError
		if errors.As(err, &stale) {
			return false
		}
		r.logger.Error().Err(err).
			Str("session_id", sess.ID).
			Str("from", string(sess.State)).
			Str("to", string(target)).
			Msg("reap transition failed")
		return false
	}

	metrics.Default().IncCounter("nimbus_reaper_reaped_total", map[string]string{
		"from": string(sess.State),
		"to":   string(target),
	})
	r.logger.Warn().
		Str("session_id", sess.ID).
		Str("from", string(sess.State)).
		Str("to", string(target)).
		Int64("version", sess.Version).
		Msg("reaped zombie session")
	return true
}
