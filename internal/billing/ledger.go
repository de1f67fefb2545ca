// Package billing is the ledger collaborator: accrual intervals of active
// GPU time, keyed by transition version so at-least-once effect delivery
// books each interval exactly once.
package billing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
)

var ErrNoOpenAccrual = errors.New("no open accrual")

// Ledger records billable intervals. Both operations are idempotent on their
// version argument: replaying a delivered effect is a no-op.
//
// Policy note: an interval closed by an error transition is still billed in
// full up to the error point. The session consumed real GPU time; voiding is
// a refund workflow, not a ledger concern.
type Ledger interface {
	// StartAccrual opens an interval for the transition that entered active.
	StartAccrual(ctx context.Context, sessionID, ownerID string, version int64, at time.Time) error
	// StopAccrual closes the open interval and returns the billed duration.
	// Re-delivery with the same closing version returns the already-booked
	// duration. ErrNoOpenAccrual means there is nothing to close.
	StopAccrual(ctx context.Context, sessionID string, version int64, at time.Time) (time.Duration, error)
}

// MemoryLedger backs tests and the fake provider mode.
type MemoryLedger struct {
	mu     sync.Mutex
	open   map[string]*model.AccrualEntry // sessionID -> open interval
	closed []model.AccrualEntry
	booked map[string]time.Duration // sessionID|closedVersion -> billed
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		open:   make(map[string]*model.AccrualEntry),
		booked: make(map[string]time.Duration),
	}
}

func (l *MemoryLedger) StartAccrual(_ context.Context, sessionID, ownerID string, version int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if curr, ok := l.open[sessionID]; ok {
		if curr.StartedVersion == version {
			return nil
		}
		// A newer interval replaces a stale open one; the stale interval was
		// closed by a transition whose stop effect raced ahead of us.
		if curr.StartedVersion > version {
			return nil
		}
	}
	l.open[sessionID] = &model.AccrualEntry{
		SessionID:      sessionID,
		OwnerID:        ownerID,
		StartedVersion: version,
		StartedAt:      at,
	}
	return nil
}

func (l *MemoryLedger) StopAccrual(_ context.Context, sessionID string, version int64, at time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bookedKey(sessionID, version)
	if billed, ok := l.booked[key]; ok {
		return billed, nil
	}
	curr, ok := l.open[sessionID]
	if !ok {
		return 0, ErrNoOpenAccrual
	}
	billed := at.Sub(curr.StartedAt)
	if billed < 0 {
		billed = 0
	}
	entry := *curr
	entry.ClosedVersion = version
	entry.StoppedAt = at
	entry.Billed = billed
	l.closed = append(l.closed, entry)
	l.booked[key] = billed
	delete(l.open, sessionID)
	return billed, nil
}

// Entries returns the closed intervals, oldest first.
func (l *MemoryLedger) Entries() []model.AccrualEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AccrualEntry(nil), l.closed...)
}

// EntriesFor returns closed intervals for one session.
func (l *MemoryLedger) EntriesFor(sessionID string) []model.AccrualEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AccrualEntry, 0)
	for _, e := range l.closed {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func bookedKey(sessionID string, version int64) string {
	return sessionID + "|" + strconv.FormatInt(version, 10)
}
