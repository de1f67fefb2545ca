package store

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusgpu/nimbus-control-plane/internal/lifecycle"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
)

// MemoryStore is a mutex-guarded in-memory SessionStore. It backs tests and
// the fake provider mode; the mutex makes CompareAndSwap a true atomic unit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*model.Session)}
}

func (m *MemoryStore) Insert(_ context.Context, sess *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0)
	for _, sess := range m.sessions {
		if sess.OwnerID == ownerID {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state model.SessionState) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0)
	for _, sess := range m.sessions {
		if sess.State == state {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, next *model.Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr, ok := m.sessions[next.ID]
	if !ok {
		return ErrNotFound
	}
	if curr.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.sessions[next.ID] = next.Clone()
	return nil
}

func (m *MemoryStore) TouchHeartbeat(_ context.Context, id string, at time.Time, failureSignal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if lifecycle.IsTerminal(sess.State) {
		return nil
	}
	t := at
	sess.LastHeartbeatAt = &t
	if failureSignal != "" {
		sess.FailureSignal = failureSignal
	}
	return nil
}
