package claimtypes

import "time"

// EventType enumerates every event the coordinator can emit. Modeled
// as a string-backed tagged variant rather than an open string so a
// switch over EventType is exhaustively checkable at review time.
type EventType string

const (
	EventClaimCreated        EventType = "claim:created"
	EventClaimReleased       EventType = "claim:released"
	EventClaimStatusChanged  EventType = "claim:status-changed"
	EventClaimExpired        EventType = "claim:expired"
	EventClaimProgress       EventType = "claim:progress-updated"
	EventClaimNoteAdded      EventType = "claim:note-added"
	EventHandoffRequested    EventType = "claim:handoff-requested"
	EventHandoffAccepted     EventType = "claim:handoff-accepted"
	EventHandoffRejected     EventType = "claim:handoff-rejected"
	EventIssueMarkedStealable EventType = "steal:issue-marked-stealable"
	EventIssueStolen         EventType = "steal:issue-stolen"
	EventContestStarted      EventType = "steal:contest-started"
	EventContestResolved     EventType = "steal:contest-resolved"
	EventSwarmRebalanced     EventType = "swarm:rebalanced"
)

// IsDecisionEvent reports whether an external resolver decision can
// settle this event's outcome (contests await one; everything else
// does not). Mirrors the bd eventbus pattern of routing a subset of
// event types to a narrower audience.
func (t EventType) IsDecisionEvent() bool {
	return t == EventContestStarted
}

// Event is one append-only entry in the EventLog. Version is
// strictly increasing per AggregateId with no gaps (invariant 3).
type Event struct {
	ID            string
	AggregateID   string
	Version       int
	Type          EventType
	Timestamp     time.Time
	Payload       any
	CausationID   string
	CorrelationID string
}
