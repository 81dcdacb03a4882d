package ingest

import (
	"sync"

	"github.com/andywolf/swarmd/internal/agentproc"
)

// EventStore is the subset of internal/store.Store the sink needs. Defined
// here (rather than imported as a concrete type) so ingest has no import
// dependency on store, matching the spec's "components hold only numeric
// ids" ownership note — the sink is handed a narrow capability, not the
// whole store.
type EventStore interface {
	AppendEvent(agentID, eventType, data string) (int64, error)
	RecordAgentSession(agentID, sessionID string) error
}

// Sink consumes one agent's stdout line stream, classifies each line, and
// appends it to the store, extracting the session id (first occurrence
// wins) and any PR number advertised in a result event along the way. It is
// grounded on the teacher's event.FileSink idiom of a mutex-serialized
// append-only writer, redirected here at the state store instead of a
// JSONL file.
type Sink struct {
	agentID string
	store   EventStore

	mu              sync.Mutex
	sessionRecorded bool

	onPRFound        func(prNumber int, viaRegex bool)
	onRateLimitHit   func(rawLine string)
}

// NewSink constructs a Sink for one agent run. onPRFound is called at most
// once, the first time a result event carries a PR number. onRateLimitHit
// is called whenever a line (of any event type, including error events)
// matches the rate-limit heuristic, so the caller can stop the child and
// count the detection for drift observability (spec §9 Open Question).
func NewSink(agentID string, store EventStore, onPRFound func(int, bool), onRateLimitHit func(string)) *Sink {
	return &Sink{agentID: agentID, store: store, onPRFound: onPRFound, onRateLimitHit: onRateLimitHit}
}

// OnStdoutLine is the agentproc.SpawnConfig.OnStdoutLine callback: classify,
// persist, and extract.
func (s *Sink) OnStdoutLine(line string) {
	p := ParseLine(line)

	if _, err := s.store.AppendEvent(s.agentID, p.EventType, p.RawData); err != nil {
		return // best-effort; a dropped append never blocks the reader (spec §4.4)
	}

	if p.SessionID != "" {
		s.mu.Lock()
		already := s.sessionRecorded
		s.sessionRecorded = true
		s.mu.Unlock()
		if !already {
			_ = s.store.RecordAgentSession(s.agentID, p.SessionID)
		}
	}

	if p.EventType == TypeResult && p.PRNumberFound && s.onPRFound != nil {
		s.onPRFound(p.PRNumber, p.PRNumberViaRegex)
	}

	if (p.EventType == TypeError || p.EventType == TypeRateLimit) && agentproc.MatchesRateLimit(p.RawData) && s.onRateLimitHit != nil {
		s.onRateLimitHit(p.RawData)
	}
}

// OnStderrLine is the agentproc.SpawnConfig.OnStderrLine callback: stderr is
// inspected only for rate-limit signatures (spec §4.3) and otherwise
// discarded, beyond what the process's own log capture retains.
func (s *Sink) OnStderrLine(line string) {
	if agentproc.MatchesRateLimit(line) && s.onRateLimitHit != nil {
		s.onRateLimitHit(line)
	}
}
