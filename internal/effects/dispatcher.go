// Package effects delivers the side effects of accepted transitions:
// billing accrual, audit/notification emission, and GPU resource release.
// Delivery is asynchronous, at-least-once, per-session in order, and never
// rolls back the state change that triggered it.
package effects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/audit"
	"github.com/nimbusgpu/nimbus-control-plane/internal/billing"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
)

// Releaser is the slice of the provisioning backend the dispatcher needs.
type Releaser interface {
	Release(ctx context.Context, req gpu.ReleaseRequest) error
}

// RetryPolicy bounds effect retries. Failures past MaxAttempts dead-letter;
// they never block later transitions on the same session.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// DeadLetter records an effect whose retries were exhausted, kept for
// manual reconciliation.
type DeadLetter struct {
	SessionID string
	Version   int64
	Effect    string
	Attempts  int
	LastError string
	At        time.Time
}

type sessionQueue struct {
	items   []registry.TransitionEvent
	running bool
}

type Dispatcher struct {
	ledger   billing.Ledger
	sink     audit.Sink
	releaser Releaser
	logger   zerolog.Logger
	retry    RetryPolicy

	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup

	dlMu        sync.Mutex
	deadLetters []DeadLetter
}

func New(ledger billing.Ledger, sink audit.Sink, releaser Releaser, retry RetryPolicy, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		sink:     sink,
		releaser: releaser,
		logger:   logger.With().Str("component", "effects").Logger(),
		retry:    retry.withDefaults(),
		queues:   make(map[string]*sessionQueue),
	}
}

// Enqueue appends the transition to its session's FIFO queue and returns
// immediately. One worker goroutine drains each queue, so effects for a
// session run in the order their transitions were accepted.
func (d *Dispatcher) Enqueue(ev registry.TransitionEvent) {
	d.mu.Lock()
	q := d.queues[ev.Session.ID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[ev.Session.ID] = q
	}
	q.items = append(q.items, ev)
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(q)
	}
	d.mu.Unlock()
}

// Drain blocks until every enqueued effect has been processed. Shutdown and
// tests only; Enqueue during Drain is not supported.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// DeadLetters returns a snapshot of exhausted effects.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.dlMu.Lock()
	defer d.dlMu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

func (d *Dispatcher) drain(q *sessionQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()
		d.process(ev)
	}
}

func (d *Dispatcher) process(ev registry.TransitionEvent) {
	ctx := context.Background()
	sess := ev.Session

	if ev.From == model.SessionActive {
		var billed time.Duration
		ok := d.withRetry(ctx, "billing_stop", sess.ID, ev.Version, func(c context.Context) error {
			var err error
			billed, err = d.ledger.StopAccrual(c, sess.ID, ev.Version, ev.At)
			if errors.Is(err, billing.ErrNoOpenAccrual) {
				d.logger.Warn().Str("session_id", sess.ID).Int64("version", ev.Version).
					Msg("no open accrual to close")
				return nil
			}
			return err
		})
		if ok {
			d.sink.Emit(audit.Event{
				Kind:      audit.KindBillingAccrual,
				SessionID: sess.ID,
				OwnerID:   sess.OwnerID,
				Version:   ev.Version,
				Severity:  audit.SeverityInfo,
				At:        ev.At,
				Detail:    billed.String(),
			})
		}
	}

	switch ev.To {
	case model.SessionActive:
		d.withRetry(ctx, "billing_start", sess.ID, ev.Version, func(c context.Context) error {
			return d.ledger.StartAccrual(c, sess.ID, sess.OwnerID, ev.Version, ev.At)
		})
		kind := audit.KindSessionStart
		if ev.From == model.SessionPaused {
			kind = audit.KindSessionResume
		}
		d.sink.Emit(audit.Event{
			Kind:      kind,
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Version:   ev.Version,
			Severity:  audit.SeverityInfo,
			At:        ev.At,
		})
	case model.SessionPaused:
		d.sink.Emit(audit.Event{
			Kind:      audit.KindSessionPause,
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Version:   ev.Version,
			Severity:  audit.SeverityInfo,
			At:        ev.At,
		})
	case model.SessionTerminated:
		if sess.GPUInstanceID != "" {
			d.withRetry(ctx, "gpu_release", sess.ID, ev.Version, func(c context.Context) error {
				return d.releaser.Release(c, gpu.ReleaseRequest{
					SessionID:  sess.ID,
					OwnerID:    sess.OwnerID,
					Region:     sess.Region,
					InstanceID: sess.GPUInstanceID,
				})
			})
		}
		d.sink.Emit(audit.Event{
			Kind:      audit.KindSessionTerminate,
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Version:   ev.Version,
			Severity:  audit.SeverityInfo,
			At:        ev.At,
		})
	case model.SessionError:
		d.sink.Emit(audit.Event{
			Kind:      audit.KindSessionError,
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Version:   ev.Version,
			Severity:  audit.SeverityCritical,
			At:        ev.At,
			Detail:    sess.FailureSignal,
		})
	}
}

// withRetry runs fn with exponential backoff. Reports true on success; on
// exhaustion it records a dead letter and reports false.
func (d *Dispatcher) withRetry(ctx context.Context, effect, sessionID string, version int64, fn func(context.Context) error) bool {
	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		err := fn(ctx)
		labels := map[string]string{"effect": effect}
		if err == nil {
			labels["status"] = "ok"
			metrics.Default().IncCounter("nimbus_effect_attempts_total", labels)
			return true
		}
		lastErr = err
		labels["status"] = "error"
		metrics.Default().IncCounter("nimbus_effect_attempts_total", labels)
		if attempt == d.retry.MaxAttempts {
			break
		}
		delay := d.retry.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
		d.logger.Warn().Err(err).
			Str("effect", effect).
			Str("session_id", sessionID).
			Int64("version", version).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("effect failed; retrying")
		metrics.Default().IncCounter("nimbus_effect_retries_total", map[string]string{"effect": effect})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
			continue
		}
		break
	}

	d.logger.Error().Err(lastErr).
		Str("effect", effect).
		Str("session_id", sessionID).
		Int64("version", version).
		Int("attempts", d.retry.MaxAttempts).
		Msg("effect retries exhausted; dead-lettering")
	metrics.Default().IncCounter("nimbus_effect_dead_letters_total", map[string]string{"effect": effect})
	d.dlMu.Lock()
	d.deadLetters = append(d.deadLetters, DeadLetter{
		SessionID: sessionID,
		Version:   version,
		Effect:    effect,
		Attempts:  d.retry.MaxAttempts,
		LastError: errString(lastErr),
		At:        time.Now().UTC(),
	})
	d.dlMu.Unlock()
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
