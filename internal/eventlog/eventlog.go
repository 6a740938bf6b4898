// Package eventlog implements the append-only, per-aggregate versioned
// event store described in spec §4.5. Appends are expected to happen
// inside the same critical section that mutates the ClaimStore (spec
// §5); the log itself only guarantees version monotonicity for
// whichever goroutine currently holds that section.
package eventlog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// Log is the append-only event store, indexed by aggregate id and by
// event type for observability queries.
type Log struct {
	mu        sync.RWMutex
	byAggregate map[string][]claimtypes.Event
	versions    map[string]int
	byType      map[claimtypes.EventType][]claimtypes.Event
	byIssue     map[string][]claimtypes.Event
}

// New creates an empty event log.
func New() *Log {
	return &Log{
		byAggregate: make(map[string][]claimtypes.Event),
		versions:    make(map[string]int),
		byType:      make(map[claimtypes.EventType][]claimtypes.Event),
		byIssue:     make(map[string][]claimtypes.Event),
	}
}

// Append assigns the next version for ev.AggregateID and records it.
// Two events with the same (aggregateId, version) would be a bug, not
// a retry condition (spec §4.5) — Append is the only writer of
// versions and never produces a collision as long as callers respect
// the single-writer discipline the issue's lock already provides.
func (l *Log) Append(ev claimtypes.Event, issueID string) (claimtypes.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.versions[ev.AggregateID] + 1
	ev.Version = next
	l.versions[ev.AggregateID] = next

	existing := l.byAggregate[ev.AggregateID]
	if len(existing) > 0 && existing[len(existing)-1].Version >= ev.Version {
		return claimtypes.Event{}, fmt.Errorf("eventlog: version collision for aggregate %s: %w", ev.AggregateID, claimtypes.ErrInternal)
	}

	l.byAggregate[ev.AggregateID] = append(existing, ev)
	l.byType[ev.Type] = append(l.byType[ev.Type], ev)
	if issueID != "" {
		l.byIssue[issueID] = append(l.byIssue[issueID], ev)
	}
	return ev, nil
}

// Stream returns the ordered replay of an aggregate's events at or
// after fromVersion (1-indexed; 0 or 1 both mean "from the start").
func (l *Log) Stream(aggregateID string, fromVersion int) []claimtypes.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.byAggregate[aggregateID]
	out := make([]claimtypes.Event, 0, len(all))
	for _, ev := range all {
		if ev.Version >= fromVersion {
			out = append(out, ev)
		}
	}
	return out
}

// ByType returns events of the given type across all aggregates,
// ordered by emission time.
func (l *Log) ByType(t claimtypes.EventType, limit int) []claimtypes.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.byType[t]
	out := make([]claimtypes.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ByIssue returns every event recorded against any claim aggregate
// belonging to issueID, ordered by emission time — the backing
// projection for the claim_history operation.
func (l *Log) ByIssue(issueID string, limit int) []claimtypes.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.byIssue[issueID]
	out := make([]claimtypes.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// CurrentVersion returns the highest version recorded for aggregateID.
func (l *Log) CurrentVersion(aggregateID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.versions[aggregateID]
}
