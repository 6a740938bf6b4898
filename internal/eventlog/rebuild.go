package eventlog

import (
	"time"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// Rebuild reconstructs the current projection of one claim aggregate
// from its own event stream, satisfying spec §8's testable property
// that replaying Stream(c.id) in order reproduces the live Claim
// bit-for-bit. It is a pure function of events: no clock, config, or
// store lookup — every field it sets comes either from a payload or
// from state already folded from an earlier event in the same stream.
//
// The fold starts from the last EventClaimCreated or
// EventHandoffAccepted event in the stream (both carry a full
// claimtypes.Claim snapshot as Payload) and applies every event after
// it in version order. A steal or a contest reversal opens a new claim
// aggregate whose own stream begins with a marker event
// (EventIssueStolen or EventContestResolved) emitted one version
// before that aggregate's snapshot; Rebuild ignores anything at or
// before the snapshot's version since the snapshot already carries
// whatever state that marker would otherwise contribute. Returns nil
// if events is empty or carries no snapshot.
func Rebuild(events []claimtypes.Event) *claimtypes.Claim {
	baseIdx := -1
	for i, ev := range events {
		if ev.Type != claimtypes.EventClaimCreated && ev.Type != claimtypes.EventHandoffAccepted {
			continue
		}
		if _, ok := ev.Payload.(*claimtypes.Claim); ok {
			baseIdx = i
		}
	}
	if baseIdx == -1 {
		return nil
	}
	snap, _ := events[baseIdx].Payload.(*claimtypes.Claim)
	claim := snap.Clone()
	claim.Version = events[baseIdx].Version

	var statusBeforeHandoff claimtypes.Status
	baseVersion := events[baseIdx].Version
	for _, ev := range events {
		if ev.Version <= baseVersion {
			continue
		}
		applyDelta(claim, ev, &statusBeforeHandoff)
	}
	return claim
}

// releaseAttribution derives the StatusHistory note and actor for an
// EventClaimReleased delta. manager.Release names the claimant
// explicitly via "reason"/"by"; the handoff, contest, and rebalance
// paths tag a "cause" instead and attribute it the same way the live
// code does — the claim's current owner for a handoff close, the
// resolver for a contest reversal (carried in "by"), or "system" for
// an automatic rebalance move.
func releaseAttribution(payload map[string]any, currentOwner string) (note, by string) {
	if reason, ok := payload["reason"].(string); ok {
		actor, _ := payload["by"].(string)
		return reason, actor
	}
	cause, _ := payload["cause"].(string)
	switch cause {
	case "contest":
		actor, _ := payload["by"].(string)
		return cause, actor
	case "rebalance":
		return cause, "system"
	default: // "handoff"
		return cause, currentOwner
	}
}

// applyDelta folds one event onto claim in place. statusBeforeHandoff
// is fold-local bookkeeping mirroring claimmanager's in-memory
// handoffIndex: RequestHandoff stashes the pre-handoff status there so
// a later RejectHandoff on the same aggregate can restore it, exactly
// as the live handoffEntry.prior does.
func applyDelta(claim *claimtypes.Claim, ev claimtypes.Event, statusBeforeHandoff *claimtypes.Status) {
	claim.Version = ev.Version
	payload, _ := ev.Payload.(map[string]any)

	switch ev.Type {
	case claimtypes.EventClaimReleased:
		from := claim.Status
		note, by := releaseAttribution(payload, claim.Claimant.ID)
		claim.Status = claimtypes.StatusReleased
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: claimtypes.StatusReleased, At: ev.Timestamp, Note: note, CausedBy: by})

	case claimtypes.EventClaimStatusChanged:
		from, _ := payload["from"].(claimtypes.Status)
		to, _ := payload["to"].(claimtypes.Status)
		note, _ := payload["note"].(string)
		by, _ := payload["by"].(string)
		claim.Status = to
		if to == claimtypes.StatusStolen {
			// A steal terminalizes the old claim through ReplaceClaim, which
			// records only the status change: activity time and notes stay.
			claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: to, At: ev.Timestamp, Note: note, CausedBy: by})
			break
		}
		claim.LastActivityAt = ev.Timestamp
		if p, ok := payload["progress"]; ok && p != nil {
			if v, ok := p.(int); ok {
				claim.Progress = v
			}
		}
		if note != "" && by != "" {
			claim.Notes = append(claim.Notes, claimtypes.Note{Author: by, Text: note, At: ev.Timestamp})
		}
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: to, At: ev.Timestamp, Note: note, CausedBy: by})
		if to == claimtypes.StatusBlocked {
			claim.Blocked = &claimtypes.BlockedInfo{Reason: note, BlockedAt: ev.Timestamp}
		} else if from == claimtypes.StatusBlocked {
			claim.Blocked = nil
		}

	case claimtypes.EventClaimProgress:
		if v, ok := payload["progress"].(int); ok {
			claim.Progress = v
		}
		claim.LastActivityAt = ev.Timestamp

	case claimtypes.EventClaimNoteAdded:
		text, _ := payload["text"].(string)
		author, _ := payload["author"].(string)
		claim.Notes = append(claim.Notes, claimtypes.Note{Author: author, Text: text, At: ev.Timestamp})
		claim.LastActivityAt = ev.Timestamp

	case claimtypes.EventIssueMarkedStealable:
		reason, _ := payload["reason"].(string)
		graceEndsAt, _ := payload["graceEndsAt"].(time.Time)
		from := claim.Status
		claim.Status = claimtypes.StatusStealable
		claim.Stealable = &claimtypes.StealableInfo{
			Reason:            reason,
			MarkedAt:          ev.Timestamp,
			GracePeriodEndsAt: graceEndsAt,
			RequiresContest:   true,
			OriginalClaimant:  claim.Claimant.ID,
		}
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: claimtypes.StatusStealable, At: ev.Timestamp, Note: reason, CausedBy: claim.Claimant.ID})

	case claimtypes.EventHandoffRequested:
		handoffID, _ := payload["handoffId"].(string)
		toID, _ := payload["toId"].(string)
		toKind, _ := payload["toKind"].(claimtypes.ClaimantKind)
		reason, _ := payload["reason"].(string)
		note, _ := payload["note"].(string)
		expiresAt, _ := payload["expiresAt"].(time.Time)
		*statusBeforeHandoff = claim.Status
		from := claim.Status
		claim.Status = claimtypes.StatusHandoffPending
		claim.LastActivityAt = ev.Timestamp
		claim.Handoff = &claimtypes.HandoffInfo{
			HandoffID:      handoffID,
			TargetClaimant: toID,
			TargetKind:     toKind,
			Reason:         reason,
			RequestedAt:    ev.Timestamp,
			ExpiresAt:      expiresAt,
		}
		if note != "" {
			claim.Notes = append(claim.Notes, claimtypes.Note{Author: claim.Claimant.ID, Text: note, At: ev.Timestamp})
		}
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: claimtypes.StatusHandoffPending, At: ev.Timestamp, Note: reason, CausedBy: claim.Claimant.ID})

	case claimtypes.EventHandoffRejected:
		reason, _ := payload["reason"].(string)
		prior := *statusBeforeHandoff
		claim.Status = prior
		claim.Handoff = nil
		claim.LastActivityAt = ev.Timestamp
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: claimtypes.StatusHandoffPending, To: prior, At: ev.Timestamp, Note: reason, CausedBy: "system"})

	case claimtypes.EventContestStarted:
		contestID, _ := payload["contestId"].(string)
		challenger, _ := payload["challenger"].(string)
		endsAt, _ := payload["endsAt"].(time.Time)
		claim.Contest = &claimtypes.ContestInfo{
			ContestID:  contestID,
			Defender:   claim.Claimant.ID,
			Challenger: challenger,
			EndsAt:     endsAt,
		}

	case claimtypes.EventContestResolved:
		winner, _ := payload["winner"].(claimtypes.ContestResolution)
		if claim.Contest != nil {
			res := winner
			claim.Contest.Resolution = &res
		}

	case claimtypes.EventClaimExpired:
		from := claim.Status
		claim.Status = claimtypes.StatusExpired
		claim.StatusHistory = append(claim.StatusHistory, claimtypes.StatusChange{From: from, To: claimtypes.StatusExpired, At: ev.Timestamp, CausedBy: "system"})
	}
}
