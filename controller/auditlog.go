package controller

import (
	"sync"
	"time"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/topology"
)

// SwitchAttempt summarizes what, if anything, the Coordinator did in
// response to this decision.
type SwitchAttempt struct {
	Attempted bool
	Committed bool
	Epoch     uint64
	Outcome   apexerr.SwitchOutcomeKind
}

// DecisionRecord is one entry of the Controller's audit trail.
type DecisionRecord struct {
	Step            int
	TopologyBefore  topology.Kind
	Features        Features
	Action          Action
	Epsilon         float64
	DecisionLatency time.Duration
	Switch          SwitchAttempt
}

// AuditLog is a bounded, in-memory ring of DecisionRecords (default
// capacity 10,000). There is no TTL to sweep, only a hard capacity, so
// eviction is unconditional once full rather than expiry-driven.
type AuditLog struct {
	mu       sync.Mutex
	cap      int
	records  []DecisionRecord
	head     int
}

// NewAuditLog creates a log bounded at capacity entries. capacity <= 0
// defaults to 10,000.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &AuditLog{cap: capacity}
}

// Append records one decision, evicting the oldest entry if the log is full.
func (l *AuditLog) Append(rec DecisionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) < l.cap {
		l.records = append(l.records, rec)
		return
	}
	l.records[l.head] = rec
	l.head = (l.head + 1) % l.cap
}

// Records returns a snapshot of the retained decisions, oldest first.
func (l *AuditLog) Records() []DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DecisionRecord, 0, len(l.records))
	if len(l.records) < l.cap {
		out = append(out, l.records...)
		return out
	}
	out = append(out, l.records[l.head:]...)
	out = append(out, l.records[:l.head]...)
	return out
}

// Len returns the number of retained records.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
