// Package audit is the notification/audit sink: fire-and-forget event
// emission that must never fail or block the caller that triggered the
// underlying transition.
package audit

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

const (
	KindSessionStart     = "session.start"
	KindSessionPause     = "session.pause"
	KindSessionResume    = "session.resume"
	KindSessionTerminate = "session.terminate"
	KindSessionError     = "session.error"
	KindBillingAccrual   = "billing.accrual"
)

// Event is one audit/notification record. SessionID+Version+Kind identify it
// for dedup under at-least-once effect delivery.
type Event struct {
	Kind      string
	SessionID string
	OwnerID   string
	Version   int64
	Severity  Severity
	At        time.Time
	Detail    string
}

func (e Event) dedupKey() string {
	return e.Kind + "|" + e.SessionID + "|" + strconv.FormatInt(e.Version, 10)
}

// Sink consumes events. Emit must not return an error or block.
type Sink interface {
	Emit(Event)
}

// LogSink writes each event as one structured log line, deduplicating
// re-deliveries of the same (session, version, kind).
type LogSink struct {
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{
		logger: logger.With().Str("component", "audit").Logger(),
		seen:   make(map[string]struct{}),
	}
}

func (s *LogSink) Emit(ev Event) {
	s.mu.Lock()
	key := ev.dedupKey()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	line := s.logger.Info()
	if ev.Severity == SeverityCritical {
		line = s.logger.Error()
	}
	line.
		Str("kind", ev.Kind).
		Str("session_id", ev.SessionID).
		Str("owner_id", ev.OwnerID).
		Int64("version", ev.Version).
		Time("at", ev.At).
		Str("detail", ev.Detail).
		Msg("audit event")
}

// MemorySink captures events for tests, with the same dedup contract.
type MemorySink struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.dedupKey()
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, ev)
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *MemorySink) ByKind(kind string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
