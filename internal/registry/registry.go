// Package registry owns the authoritative state of every session. All
// state/version/billableSince mutation funnels through AttemptTransition;
// every other component observes through Get/List or reacts to dispatched
// effects.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/lifecycle"
	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
	"github.com/nimbusgpu/nimbus-control-plane/internal/store"
)

// AnyVersion disables the optimistic-concurrency check: the caller accepts
// last-writer-wins and relies on transition legality alone.
const AnyVersion int64 = -1

// casRetries bounds the re-read loop for AnyVersion callers racing other
// writers.
const casRetries = 5

var ErrNotFound = errors.New("session not found")

// StaleVersionError reports a lost optimistic-concurrency race. The caller
// should re-read and retry; it is not a user-visible failure when retried
// transparently.
type StaleVersionError struct {
	SessionID string
	Expected  int64
	Current   int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("session %s: stale version %d (current %d)", e.SessionID, e.Expected, e.Current)
}

// IllegalTransitionError carries the legal-target set so callers can
// self-correct programmatically instead of parsing a message.
type IllegalTransitionError struct {
	SessionID    string
	From         model.SessionState
	To           model.SessionState
	LegalTargets []model.SessionState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s (legal: %v)", e.SessionID, e.From, e.To, e.LegalTargets)
}

// TransitionEvent is the snapshot handed to the effect dispatcher after a
// transition commits.
type TransitionEvent struct {
	Session *model.Session
	From    model.SessionState
	To      model.SessionState
	Version int64
	At      time.Time
}

// EffectDispatcher receives accepted transitions asynchronously. Enqueue
// must not block; the registry returns to its caller as soon as the state
// mutation is durable.
type EffectDispatcher interface {
	Enqueue(ev TransitionEvent)
}

// TransitionOption attaches metadata to the record being written, keeping
// the registry the sole mutation path for session fields.
type TransitionOption func(*model.Session)

// WithInstance records the provisioned GPU instance on the session.
func WithInstance(instanceID, instanceType string) TransitionOption {
	return func(s *model.Session) {
		s.GPUInstanceID = instanceID
		s.GPUInstanceType = instanceType
	}
}

// WithFailureSignal records the failure that motivated the transition.
func WithFailureSignal(signal string) TransitionOption {
	return func(s *model.Session) {
		s.FailureSignal = signal
	}
}

type Registry struct {
	store      store.SessionStore
	dispatcher EffectDispatcher
	logger     zerolog.Logger
	now        func() time.Time

	// commitLocks serialize the CAS commit and the effect enqueue for a
	// session. Without this a writer descheduled between the two could let
	// a later version enqueue first, and the dispatcher's FIFO would apply
	// effects out of version order.
	commitLocks [64]sync.Mutex
}

func New(st store.SessionStore, dispatcher EffectDispatcher, logger zerolog.Logger) *Registry {
	return &Registry{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "registry").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the registry clock. Tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) commitLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.commitLocks[h.Sum32()%uint32(len(r.commitLocks))]
}

// CreateSession inserts a new record in pending at version 0.
func (r *Registry) CreateSession(ctx context.Context, ownerID, region string) (*model.Session, error) {
	now := r.now()
	sess := &model.Session{
		ID:               "ses_" + uuid.NewString(),
		OwnerID:          ownerID,
		State:            model.SessionPending,
		Version:          0,
		Region:           region,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := r.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("session_id", sess.ID).
		Str("owner_id", ownerID).
		Str("region", region).
		Msg("session created")
	return sess.Clone(), nil
}

// AttemptTransition is the single mutation surface. The version check and
// the mutation are one atomic unit at the storage layer: of two concurrent
// calls observing the same version, exactly one commits. Commit and effect
// enqueue happen under a per-session lock, so the dispatcher receives a
// session's transitions in version order.
func (r *Registry) AttemptTransition(ctx context.Context, id string, expectedVersion int64, to model.SessionState, opts ...TransitionOption) (*model.Session, error) {
	mu := r.commitLock(id)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		curr, err := r.store.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if expectedVersion != AnyVersion && curr.Version != expectedVersion {
			metrics.Default().IncCounter("nimbus_transitions_total", map[string]string{
				"from": string(curr.State), "to": string(to), "status": "stale",
			})
			return nil, &StaleVersionError{SessionID: id, Expected: expectedVersion, Current: curr.Version}
		}
		if !lifecycle.Legal(curr.State, to) {
			metrics.Default().IncCounter("nimbus_transitions_total", map[string]string{
				"from": string(curr.State), "to": string(to), "status": "illegal",
			})
			return nil, &IllegalTransitionError{
				SessionID:    id,
				From:         curr.State,
				To:           to,
				LegalTargets: lifecycle.LegalTargets(curr.State),
			}
		}

		now := r.now()
		next := curr.Clone()
		next.State = to
		next.Version = curr.Version + 1
		next.LastTransitionAt = now
		if to == model.SessionActive {
			t := now
			next.BillableSince = &t
		} else {
			next.BillableSince = nil
		}
		for _, opt := range opts {
			opt(next)
		}

		err = r.store.CompareAndSwap(ctx, next, curr.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			if expectedVersion != AnyVersion || attempt+1 >= casRetries {
				metrics.Default().IncCounter("nimbus_transitions_total", map[string]string{
					"from": string(curr.State), "to": string(to), "status": "stale",
				})
				fresh, loadErr := r.store.Load(ctx, id)
				current := curr.Version
				if loadErr == nil {
					current = fresh.Version
				}
				return nil, &StaleVersionError{SessionID: id, Expected: expectedVersion, Current: current}
			}
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		metrics.Default().IncCounter("nimbus_transitions_total", map[string]string{
			"from": string(curr.State), "to": string(to), "status": "ok",
		})
		r.logger.Info().
			Str("session_id", id).
			Str("from", string(curr.State)).
			Str("to", string(to)).
			Int64("version", next.Version).
			Msg("transition applied")
		r.dispatcher.Enqueue(TransitionEvent{
			Session: next.Clone(),
			From:    curr.State,
			To:      to,
			Version: next.Version,
			At:      now,
		})
		return next.Clone(), nil
	}
}

// Get returns a consistent snapshot of one session.
func (r *Registry) Get(ctx context.Context, id string) (*model.Session, error) {
	sess, err := r.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]*model.Session, error) {
	return r.store.ListByOwner(ctx, ownerID)
}

func (r *Registry) ListByState(ctx context.Context, state model.SessionState) ([]*model.Session, error) {
	return r.store.ListByState(ctx, state)
}

// RecordHeartbeat notes a liveness signal from the provisioning backend.
// Heartbeats do not bump the version; they are metadata, not transitions.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string, failureSignal string) error {
	err := r.store.TouchHeartbeat(ctx, id, r.now(), failureSignal)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
