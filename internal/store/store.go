// Package store defines the durable session store behind the registry and
// its two implementations: a pgx-backed postgres store and an in-memory
// store for tests and single-node development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
)

// SessionStore persists session records. CompareAndSwap is the atomicity
// contract the registry builds on: the write lands iff the stored version
// still equals expectedVersion, as a single atomic unit.
type SessionStore interface {
	Insert(ctx context.Context, sess *model.Session) error
	Load(ctx context.Context, id string) (*model.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Session, error)
	ListByState(ctx context.Context, state model.SessionState) ([]*model.Session, error)

	// CompareAndSwap writes next iff the stored version of next.ID equals
	// expectedVersion. Returns ErrVersionConflict when another writer got
	// there first and ErrNotFound when the record is gone.
	CompareAndSwap(ctx context.Context, next *model.Session, expectedVersion int64) error

	// TouchHeartbeat records a liveness signal without bumping the version.
	// A non-empty failureSignal marks the session as failing for the reaper.
	TouchHeartbeat(ctx context.Context, id string, at time.Time, failureSignal string) error
}
