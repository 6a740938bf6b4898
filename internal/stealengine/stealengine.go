// Package stealengine implements the stealable-marking rules, steal
// execution with a contest window, and contest resolution described
// in spec §4.3.
package stealengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/swarmguard/internal/claimstore"
	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/clock"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/eventbus"
	"github.com/steveyegge/swarmguard/internal/eventlog"
	"github.com/steveyegge/swarmguard/internal/idgen"
	"github.com/steveyegge/swarmguard/internal/keyedmutex"
	"github.com/steveyegge/swarmguard/internal/loadindex"
)

// StealResult is returned by a successful Steal.
type StealResult struct {
	NewClaimID          string
	PreviousClaimant    string
	ContestWindowEndsAt time.Time
}

// pendingSteal tracks a steal that hasn't been (or no longer can be)
// contested. Kept out of claimtypes.Claim because it's bookkeeping for
// contest eligibility, not part of the durable projection.
type pendingSteal struct {
	issueID             string
	previousClaimant    string
	previousClaimID     string
	contestWindowEndsAt time.Time
}

type contestEntry struct {
	issueID string
	claimID string
}

// Engine implements the stealable/steal/contest rules over the shared
// claim projection.
type Engine struct {
	Store *claimstore.Store
	Log   *eventlog.Log
	Load  *loadindex.Index
	Bus   *eventbus.Bus
	Clock clock.Clock
	IDs   *idgen.Generator
	Cfg   *config.Config
	Locks *keyedmutex.Map

	mu       sync.Mutex
	pending  map[string]pendingSteal  // new claim id -> pending steal
	contests map[string]contestEntry // contest id -> location
}

// New builds an Engine.
func New(store *claimstore.Store, log_ *eventlog.Log, load *loadindex.Index, bus *eventbus.Bus, clk clock.Clock, ids *idgen.Generator, cfg *config.Config, locks *keyedmutex.Map) *Engine {
	return &Engine{
		Store:    store,
		Log:      log_,
		Load:     load,
		Bus:      bus,
		Clock:    clk,
		IDs:      ids,
		Cfg:      cfg,
		Locks:    locks,
		pending:  make(map[string]pendingSteal),
		contests: make(map[string]contestEntry),
	}
}

func (e *Engine) emit(ctx context.Context, aggregateID, issueID string, t claimtypes.EventType, payload any, causationID string) claimtypes.Event {
	now := e.Clock.Now()
	ev := claimtypes.Event{
		ID:          e.IDs.EventID(aggregateID, now),
		AggregateID: aggregateID,
		Type:        t,
		Timestamp:   now,
		Payload:     payload,
		CausationID: causationID,
	}
	appended, err := e.Log.Append(ev, issueID)
	if err != nil {
		log.Printf("stealengine: %v", err)
		return ev
	}
	e.stampVersion(aggregateID, appended.Version)
	e.Bus.Dispatch(ctx, appended)
	return appended
}

// stampVersion keeps Claim.Version in step with the log, mirroring
// claimmanager.stampVersion.
func (e *Engine) stampVersion(aggregateID string, version int) {
	_, _ = e.Store.Update(aggregateID, func(c *claimtypes.Claim) {
		c.Version = version
	})
}

// MarkStealable marks issueID's active claim stealable on behalf of
// claimantID. reason is caller-supplied (e.g. "stale", "blocked",
// "overloaded", or free text from a human operator).
func (e *Engine) MarkStealable(ctx context.Context, issueID, claimantID, reason string) (*claimtypes.Claim, error) {
	unlock := e.Locks.Lock(issueID)
	defer unlock()
	return e.markStealableLocked(ctx, issueID, claimantID, reason)
}

// AutoMarkStealable is the ExpiryDriver's entry point for system-
// initiated stale/blocked/overloaded marking: the scanner already
// knows which issue, so it doesn't need a claimant identity to check
// ownership against.
func (e *Engine) AutoMarkStealable(ctx context.Context, issueID, reason string) (*claimtypes.Claim, error) {
	unlock := e.Locks.Lock(issueID)
	defer unlock()
	claimID := e.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	owner := e.Store.Get(claimID).Claimant.ID
	return e.markStealableLocked(ctx, issueID, owner, reason)
}

// markStealableLocked requires the issue lock to already be held.
func (e *Engine) markStealableLocked(ctx context.Context, issueID, claimantID, reason string) (*claimtypes.Claim, error) {
	claimID := e.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	claim := e.Store.Get(claimID)
	if claim.Claimant.ID != claimantID {
		return nil, claimtypes.ErrNotOwner
	}
	if claim.Status == claimtypes.StatusStealable {
		return nil, claimtypes.ErrAlreadyStealable
	}
	now := e.Clock.Now()
	graceEnd := claim.ClaimedAt.Add(e.Cfg.GracePeriod)
	if now.Before(graceEnd) {
		return nil, claimtypes.ErrInGrace
	}
	if !claimtypes.CanTransition(claim.Status, claimtypes.StatusStealable) {
		return nil, fmt.Errorf("%w: %s -> %s", claimtypes.ErrInvalidTransition, claim.Status, claimtypes.StatusStealable)
	}

	prevStatus := claim.Status
	_, err := e.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Status = claimtypes.StatusStealable
		c.Stealable = &claimtypes.StealableInfo{
			Reason:            reason,
			MarkedAt:          now,
			GracePeriodEndsAt: graceEnd,
			RequiresContest:   true,
			OriginalClaimant:  claimantID,
		}
		c.StatusHistory = append(c.StatusHistory, claimtypes.StatusChange{From: prevStatus, To: claimtypes.StatusStealable, At: now, Note: reason, CausedBy: claimantID})
	})
	if err != nil {
		return nil, err
	}
	e.Load.OnStatusChanged(claimantID, prevStatus, claimtypes.StatusStealable)
	e.emit(ctx, claimID, issueID, claimtypes.EventIssueMarkedStealable, map[string]any{"reason": reason, "graceEndsAt": graceEnd}, "")
	return e.Store.Get(claimID), nil
}

// Steal moves issueID's stealable claim to stealer, opening a contest
// window for the previous claimant.
func (e *Engine) Steal(ctx context.Context, issueID string, stealer claimtypes.Claimant, reason string) (*StealResult, error) {
	unlock := e.Locks.Lock(issueID)
	defer unlock()

	claimID := e.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotStealable
	}
	claim := e.Store.Get(claimID)
	if claim.Status != claimtypes.StatusStealable || claim.Stealable == nil {
		return nil, claimtypes.ErrNotStealable
	}
	now := e.Clock.Now()
	if now.Before(claim.Stealable.GracePeriodEndsAt) {
		return nil, claimtypes.ErrInGrace
	}
	if claim.Progress >= e.Cfg.MinProgressToProtect {
		return nil, claimtypes.ErrProtectedByProgress
	}
	if claim.Claimant.Kind == claimtypes.ClaimantAgent && stealer.Kind == claimtypes.ClaimantAgent &&
		claim.Claimant.AgentType != "" && stealer.AgentType != "" && claim.Claimant.AgentType != stealer.AgentType {
		if !e.Cfg.AllowCrossTypeSteal || !crossTypeAllowed(e.Cfg.CrossTypeStealRules, claim.Claimant.AgentType, stealer.AgentType) {
			return nil, claimtypes.ErrCrossTypeNotAllowed
		}
	}
	if e.Cfg.MaxClaimsPerAgent > 0 {
		sample := e.Load.AgentLoad(stealer.ID)
		if sample.Overloaded {
			return nil, claimtypes.ErrStealerOverloaded
		}
	}

	newClaim := &claimtypes.Claim{
		ID:             e.IDs.ClaimID(issueID, stealer.ID, now),
		IssueID:        issueID,
		Claimant:       stealer,
		Status:         claimtypes.StatusActive,
		Priority:       claim.Priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		Progress:       claim.Progress,
		StatusHistory: []claimtypes.StatusChange{
			{From: "", To: claimtypes.StatusActive, At: now, CausedBy: stealer.ID, Note: "stolen: " + reason},
		},
		Metadata: map[string]any{},
	}
	oldChange := claimtypes.StatusChange{From: claim.Status, To: claimtypes.StatusStolen, At: now, Note: reason, CausedBy: stealer.ID}
	if err := e.Store.ReplaceClaim(issueID, claimID, newClaim, claimtypes.StatusStolen, oldChange); err != nil {
		return nil, err
	}

	e.Load.OnClaimClosed(claim.Claimant.ID, claim.Status, false)
	max := stealer.MaxConcurrentClaims
	if max <= 0 {
		max = e.Cfg.MaxClaimsPerAgent
	}
	e.Load.SetMaxConcurrent(stealer.ID, max)
	e.Load.OnClaimOpened(stealer.ID)

	windowEnd := now.Add(e.Cfg.ContestWindow)
	e.mu.Lock()
	e.pending[newClaim.ID] = pendingSteal{
		issueID:             issueID,
		previousClaimant:    claim.Claimant.ID,
		previousClaimID:     claimID,
		contestWindowEndsAt: windowEnd,
	}
	e.mu.Unlock()

	oldEv := e.emit(ctx, claimID, issueID, claimtypes.EventClaimStatusChanged, map[string]any{"from": claim.Status, "to": claimtypes.StatusStolen, "note": reason, "by": stealer.ID}, "")
	stealEv := e.emit(ctx, newClaim.ID, issueID, claimtypes.EventIssueStolen, map[string]any{"previousClaimant": claim.Claimant.ID, "reason": reason}, oldEv.ID)
	e.emit(ctx, newClaim.ID, issueID, claimtypes.EventClaimCreated, newClaim.Clone(), stealEv.ID)

	return &StealResult{NewClaimID: newClaim.ID, PreviousClaimant: claim.Claimant.ID, ContestWindowEndsAt: windowEnd}, nil
}

// Contest opens a contest on a just-stolen claim if invoked before the
// contest window closes by the previous claimant.
func (e *Engine) Contest(ctx context.Context, issueID, contester, reason string) (*claimtypes.ContestInfo, error) {
	unlock := e.Locks.Lock(issueID)
	defer unlock()

	claimID := e.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNoActiveSteal
	}

	e.mu.Lock()
	pend, ok := e.pending[claimID]
	e.mu.Unlock()
	if !ok {
		return nil, claimtypes.ErrNoActiveSteal
	}
	if pend.previousClaimant != contester {
		return nil, claimtypes.ErrNotEligibleContester
	}
	now := e.Clock.Now()
	if !now.Before(pend.contestWindowEndsAt) {
		return nil, claimtypes.ErrWindowClosed
	}

	claim := e.Store.Get(claimID)
	if claim.Contest != nil {
		return nil, claimtypes.ErrContestPending
	}

	contestID := e.IDs.ContestID()
	info := claimtypes.ContestInfo{
		ContestID:  contestID,
		Defender:   claim.Claimant.ID,
		Challenger: contester,
		EndsAt:     pend.contestWindowEndsAt,
	}
	_, err := e.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Contest = &info
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.contests[contestID] = contestEntry{issueID: issueID, claimID: claimID}
	e.mu.Unlock()

	e.emit(ctx, claimID, issueID, claimtypes.EventContestStarted, map[string]any{"contestId": contestID, "reason": reason, "challenger": contester, "endsAt": info.EndsAt}, "")
	return &info, nil
}

// ResolveContest settles a contest. winner=challenger reverses the
// steal; winner=defender lets it stand. resolverID is "system" for
// the ExpiryDriver's automatic resolution.
func (e *Engine) ResolveContest(ctx context.Context, contestID string, winner claimtypes.ContestResolution, resolverID string) (*claimtypes.Claim, error) {
	e.mu.Lock()
	entry, ok := e.contests[contestID]
	if ok {
		delete(e.contests, contestID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, claimtypes.ErrNoActiveSteal
	}

	unlock := e.Locks.Lock(entry.issueID)
	defer unlock()

	claim := e.Store.Get(entry.claimID)
	if claim == nil || claim.Contest == nil || claim.Contest.ContestID != contestID {
		return nil, claimtypes.ErrNoActiveSteal
	}

	e.mu.Lock()
	pend, hadPending := e.pending[entry.claimID]
	if hadPending {
		delete(e.pending, entry.claimID)
	}
	e.mu.Unlock()

	now := e.Clock.Now()
	res := winner
	if winner == claimtypes.ResolutionDefender {
		_, err := e.Store.Update(entry.claimID, func(c *claimtypes.Claim) {
			c.Contest.Resolution = &res
		})
		if err != nil {
			return nil, err
		}
		e.emit(ctx, entry.claimID, entry.issueID, claimtypes.EventContestResolved, map[string]any{"contestId": contestID, "winner": winner, "resolvedBy": resolverID}, "")
		return e.Store.Get(entry.claimID), nil
	}

	// Challenger wins: reverse the steal.
	change := claimtypes.StatusChange{From: claim.Status, To: claimtypes.StatusReleased, At: now, Note: "contest", CausedBy: resolverID}
	if err := e.Store.CloseClaim(entry.claimID, claimtypes.StatusReleased, change); err != nil {
		return nil, err
	}
	e.Load.OnClaimClosed(claim.Claimant.ID, claim.Status, false)
	releaseEv := e.emit(ctx, entry.claimID, entry.issueID, claimtypes.EventClaimReleased, map[string]any{"cause": "contest", "by": resolverID}, "")

	originalClaimant := claim.Contest.Challenger
	if hadPending {
		originalClaimant = pend.previousClaimant
	}
	newClaim := &claimtypes.Claim{
		ID:             e.IDs.ClaimID(entry.issueID, originalClaimant, now),
		IssueID:        entry.issueID,
		Claimant:       claimtypes.Claimant{ID: originalClaimant},
		Status:         claimtypes.StatusActive,
		Priority:       claim.Priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		Progress:       claim.Progress,
		StatusHistory: []claimtypes.StatusChange{
			{From: "", To: claimtypes.StatusActive, At: now, CausedBy: originalClaimant, Note: "contest-reinstated"},
		},
		Metadata: map[string]any{},
	}
	if err := e.Store.TryOpenClaim(newClaim); err != nil {
		return nil, err
	}
	e.Load.OnClaimOpened(originalClaimant)
	e.emit(ctx, newClaim.ID, entry.issueID, claimtypes.EventContestResolved, map[string]any{"contestId": contestID, "winner": winner, "resolvedBy": resolverID}, releaseEv.ID)
	e.emit(ctx, newClaim.ID, entry.issueID, claimtypes.EventClaimCreated, newClaim.Clone(), releaseEv.ID)

	return newClaim.Clone(), nil
}

// Stealable returns stealable claims sorted per spec §4.3, optionally
// filtered to a single priority and truncated to limit (0 = no limit).
func (e *Engine) Stealable(priority *claimtypes.Priority, limit int) []*claimtypes.Claim {
	all := e.Store.ListStealable()
	if priority != nil {
		filtered := all[:0]
		for _, c := range all {
			if c.Priority == *priority {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// SweepExpiredWindows drops bookkeeping for steals whose contest
// window closed without ever being contested. It does not mutate the
// claim or emit an event — the steal already stands.
func (e *Engine) SweepExpiredWindows(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for claimID, p := range e.pending {
		if !now.Before(p.contestWindowEndsAt) {
			delete(e.pending, claimID)
		}
	}
}

// DueContests returns contest ids whose EndsAt has passed with no
// external resolution, for the ExpiryDriver to auto-resolve in favor
// of the defender.
func (e *Engine) DueContests(now time.Time) []string {
	contested := e.Store.ListContested()
	var due []string
	for _, c := range contested {
		if c.Contest != nil && c.Contest.Resolution == nil && !now.Before(c.Contest.EndsAt) {
			due = append(due, c.Contest.ContestID)
		}
	}
	return due
}

func crossTypeAllowed(rules []config.CrossTypeRule, a, b string) bool {
	for _, r := range rules {
		if r.Allows(a, b) {
			return true
		}
	}
	return false
}
