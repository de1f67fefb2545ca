package model

import "time"

type SessionState string

const (
	SessionPending      SessionState = "pending"
	SessionProvisioning SessionState = "provisioning"
	SessionReady        SessionState = "ready"
	SessionActive       SessionState = "active"
	SessionPaused       SessionState = "paused"
	SessionTerminated   SessionState = "terminated"
	SessionError        SessionState = "error"
)

// Session is the authoritative record of one rented-GPU compute session.
// State, Version and BillableSince change only through the registry's
// transition entry point.
type Session struct {
	ID               string
	OwnerID          string
	State            SessionState
	Version          int64
	Region           string
	GPUInstanceID    string
	GPUInstanceType  string
	FailureSignal    string
	CreatedAt        time.Time
	LastTransitionAt time.Time
	LastHeartbeatAt  *time.Time
	BillableSince    *time.Time
}

// Clone returns a deep copy so callers never alias a stored record.
func (s *Session) Clone() *Session {
	cp := *s
	if s.LastHeartbeatAt != nil {
		t := *s.LastHeartbeatAt
		cp.LastHeartbeatAt = &t
	}
	if s.BillableSince != nil {
		t := *s.BillableSince
		cp.BillableSince = &t
	}
	return &cp
}

// AccrualEntry is one billed interval of active GPU time. StartedVersion is
// the transition version that opened the interval, ClosedVersion the one that
// closed it.
type AccrualEntry struct {
	SessionID      string
	OwnerID        string
	StartedVersion int64
	ClosedVersion  int64
	StartedAt      time.Time
	StoppedAt      time.Time
	Billed         time.Duration
}

// GPUManifestEntry describes the launchable GPU image for one region.
type GPUManifestEntry struct {
	Region              string
	ImageID             string
	DefaultInstanceType string
	UpdatedAt           time.Time
}
