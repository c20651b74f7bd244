// Package audit keeps the verdict trail: an append-only ring of decision
// records under strictly monotonic ids, queryable by fingerprint, action and
// time window, with an optional sink for archival.
package audit

import (
	"fmt"
	"log"
	"sync"
)

const defaultCapacity = 4096

// Entry is one recorded decision.
type Entry struct {
	AuditID        uint64   `json:"audit_id"`
	Timestamp      float64  `json:"timestamp"`
	Fingerprint    string   `json:"fingerprint"`
	SourceAddr     string   `json:"source_addr"`
	Endpoint       string   `json:"endpoint"`
	Action         string   `json:"action"`
	RiskLevel      string   `json:"risk_level,omitempty"`
	RiskScore      float64  `json:"risk_score"`
	ThreatCategory string   `json:"threat_category,omitempty"`
	Confidence     float64  `json:"confidence"`
	StageReached   int      `json:"stage_reached"`
	Reasons        []string `json:"reasons,omitempty"`
	TrackingToken  string   `json:"tracking_token,omitempty"`
	Scenario       string   `json:"scenario,omitempty"`
	FailClosed     bool     `json:"fail_closed,omitempty"`
}

// AppendError reports an entry that could not be recorded. Callers treat it
// as fatal for the decision being recorded and fail closed.
type AppendError struct {
	Reason string
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("audit append failed: %s", e.Reason)
}

// Sink receives every committed entry. A Write error rejects the append.
type Sink interface {
	Write(e *Entry) error
}

// Log is the in-memory trail. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int
	nextID  uint64
	sink    Sink

	appends    int64
	sinkErrors int64

	logger *log.Logger
}

// NewLog builds a trail holding the most recent capacity entries. sink may
// be nil.
func NewLog(capacity int, sink Sink) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		sink:    sink,
		logger:  log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Append stores the entry under the next audit id and returns that id. Ids
// are strictly monotonic with no gaps: if the sink rejects the entry nothing
// is stored and the id is not consumed.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.AuditID = l.nextID + 1
	if l.sink != nil {
		if err := l.sink.Write(&e); err != nil {
			l.sinkErrors++
			l.logger.Printf("sink rejected entry fingerprint=%s action=%s: %v", e.Fingerprint, e.Action, err)
			return 0, &AppendError{Reason: fmt.Sprintf("sink: %v", err)}
		}
	}

	l.nextID++
	l.appends++
	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	return e.AuditID, nil
}

// Query filters the trail. Zero-valued fields match everything; Since and
// Until are inclusive epoch seconds.
type Query struct {
	Fingerprint string
	Action      string
	Since       float64
	Until       float64
	Limit       int
}

// Search walks the trail newest first and returns matching entries.
func (l *Log) Search(q Query) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := q.Limit
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < l.size && len(out) < limit; i++ {
		e := l.entries[(l.head-1-i+len(l.entries))%len(l.entries)]
		if q.Fingerprint != "" && e.Fingerprint != q.Fingerprint {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Since > 0 && e.Timestamp < q.Since {
			continue
		}
		if q.Until > 0 && e.Timestamp > q.Until {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports how many entries the trail currently holds.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LastID reports the most recently committed audit id, 0 when empty.
func (l *Log) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// Stats reports trail counters.
func (l *Log) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"entries":     l.size,
		"capacity":    len(l.entries),
		"last_id":     l.nextID,
		"appends":     l.appends,
		"sink_errors": l.sinkErrors,
	}
}
