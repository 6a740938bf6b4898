package toolsurface

import (
	"time"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// ClaimDTO is the wire shape of a claimtypes.Claim, flattening the
// fields a caller across a transport boundary needs without exposing
// the internal aggregate type directly.
type ClaimDTO struct {
	ClaimID        string         `json:"claimId"`
	IssueID        string         `json:"issueId"`
	ClaimantID     string         `json:"claimantId"`
	ClaimantKind   string         `json:"claimantKind"`
	Status         string         `json:"status"`
	Priority       string         `json:"priority"`
	ClaimedAt      time.Time      `json:"claimedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	Progress       int            `json:"progress"`
	Stealable      bool           `json:"stealable"`
	StealReason    string         `json:"stealReason,omitempty"`
}

func claimToDTO(c *claimtypes.Claim) ClaimDTO {
	dto := ClaimDTO{
		ClaimID:        c.ID,
		IssueID:        c.IssueID,
		ClaimantID:     c.Claimant.ID,
		ClaimantKind:   string(c.Claimant.Kind),
		Status:         string(c.Status),
		Priority:       string(c.Priority),
		ClaimedAt:      c.ClaimedAt,
		LastActivityAt: c.LastActivityAt,
		ExpiresAt:      c.ExpiresAt,
		Progress:       c.Progress,
	}
	if c.Stealable != nil {
		dto.Stealable = true
		dto.StealReason = c.Stealable.Reason
	}
	return dto
}

// EventDTO is the wire shape of one event-log entry.
type EventDTO struct {
	ID            string    `json:"id"`
	AggregateID   string    `json:"aggregateId"`
	Version       int       `json:"version"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CausationID   string    `json:"causationId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func eventToDTO(ev claimtypes.Event) EventDTO {
	return EventDTO{
		ID:            ev.ID,
		AggregateID:   ev.AggregateID,
		Version:       ev.Version,
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp,
		CausationID:   ev.CausationID,
		CorrelationID: ev.CorrelationID,
	}
}
