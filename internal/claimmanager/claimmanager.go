// Package claimmanager owns the claim lifecycle state machine (spec
// §4.2): the legal-transition table, claim/release, status updates,
// progress, notes, and cooperative handoff. Every mutation it performs
// covers the triple spec §5 requires — read the projection, append the
// event with its version assignment, write the projection — inside the
// per-issue lock, so no observer ever sees the event log and the
// projection disagree.
package claimmanager

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

// Manager is the claim lifecycle state machine.
type Manager struct {
	Store *claimstore.Store
	Log   *eventlog.Log
	Load  *loadindex.Index
	Bus   *eventbus.Bus
	Clock clock.Clock
	IDs   *idgen.Generator
	Cfg   *config.Config
	Locks *keyedmutex.Map

	handoffMu    sync.Mutex
	handoffIndex map[string]handoffEntry // handoffId -> location
}

type handoffEntry struct {
	issueID string
	claimID string
	prior   claimtypes.Status
}

// New builds a Manager wired to the given shared components.
func New(store *claimstore.Store, log_ *eventlog.Log, load *loadindex.Index, bus *eventbus.Bus, clk clock.Clock, ids *idgen.Generator, cfg *config.Config, locks *keyedmutex.Map) *Manager {
	return &Manager{
		Store:        store,
		Log:          log_,
		Load:         load,
		Bus:          bus,
		Clock:        clk,
		IDs:          ids,
		Cfg:          cfg,
		Locks:        locks,
		handoffIndex: make(map[string]handoffEntry),
	}
}

func (m *Manager) emit(ctx context.Context, aggregateID, issueID string, t claimtypes.EventType, payload any, causationID string) claimtypes.Event {
	now := m.Clock.Now()
	ev := claimtypes.Event{
		ID:          m.IDs.EventID(aggregateID, now),
		AggregateID: aggregateID,
		Type:        t,
		Timestamp:   now,
		Payload:     payload,
		CausationID: causationID,
	}
	appended, err := m.Log.Append(ev, issueID)
	if err != nil {
		log.Printf("claimmanager: %v", err)
		return ev
	}
	m.stampVersion(aggregateID, appended.Version)
	m.Bus.Dispatch(ctx, appended)
	return appended
}

// stampVersion records the version of the event that last touched
// aggregateID, keeping Claim.Version in step with the log the way
// spec §9's purity requirement for Rebuild assumes. Silently a no-op
// if the aggregate isn't installed in the store yet (never true for
// ClaimManager's own emits, which always follow the Store write).
func (m *Manager) stampVersion(aggregateID string, version int) {
	_, _ = m.Store.Update(aggregateID, func(c *claimtypes.Claim) {
		c.Version = version
	})
}

// Claim opens a fresh claim on issueID for claimant, failing with
// ErrAlreadyClaimed if one is already non-terminal, or
// ErrMaxClaimsExceeded if claimant has reached its concurrency cap.
func (m *Manager) Claim(ctx context.Context, issueID string, claimant claimtypes.Claimant, priority claimtypes.Priority, ttl *time.Duration) (*claimtypes.Claim, error) {
	if !claimtypes.ValidPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", claimtypes.ErrValidationError, priority)
	}

	unlock := m.Locks.Lock(issueID)
	defer unlock()

	max := claimant.MaxConcurrentClaims
	if max <= 0 {
		max = m.Cfg.MaxClaimsPerAgent
	}
	if max > 0 {
		active := m.Store.ListByClaimant(claimant.ID)
		if len(active) >= max {
			return nil, claimtypes.ErrMaxClaimsExceeded
		}
	}

	now := m.Clock.Now()
	var expiresAt *time.Time
	switch {
	case ttl != nil && *ttl > 0:
		t := now.Add(*ttl)
		expiresAt = &t
	case m.Cfg.DefaultExpiration > 0:
		t := now.Add(m.Cfg.DefaultExpiration)
		expiresAt = &t
	}

	claim := &claimtypes.Claim{
		ID:             m.IDs.ClaimID(issueID, claimant.ID, now),
		IssueID:        issueID,
		Claimant:       claimant,
		Status:         claimtypes.StatusActive,
		Priority:       priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
		Progress:       0,
		StatusHistory: []claimtypes.StatusChange{
			{From: "", To: claimtypes.StatusActive, At: now, CausedBy: claimant.ID},
		},
		Metadata: map[string]any{},
	}

	if err := m.Store.TryOpenClaim(claim); err != nil {
		return nil, err
	}

	m.Load.SetMaxConcurrent(claimant.ID, max)
	m.Load.OnClaimOpened(claimant.ID)

	m.emit(ctx, claim.ID, issueID, claimtypes.EventClaimCreated, claim.Clone(), "")
	return claim.Clone(), nil
}

// Release terminates the claimant's active claim on issueID.
func (m *Manager) Release(ctx context.Context, issueID, claimantID, reason string) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	claim := m.Store.Get(claimID)
	if claim.Claimant.ID != claimantID {
		return nil, claimtypes.ErrNotOwner
	}

	now := m.Clock.Now()
	change := claimtypes.StatusChange{From: claim.Status, To: claimtypes.StatusReleased, At: now, Note: reason, CausedBy: claimantID}
	if err := m.Store.CloseClaim(claimID, claimtypes.StatusReleased, change); err != nil {
		return nil, err
	}
	m.Load.OnClaimClosed(claimantID, claim.Status, false)

	m.emit(ctx, claimID, issueID, claimtypes.EventClaimReleased, map[string]any{"reason": reason, "by": claimantID}, "")
	return m.Store.Get(claimID), nil
}

// UpdateStatus performs a table-driven transition, recording a note
// and/or progress update alongside it when supplied.
func (m *Manager) UpdateStatus(ctx context.Context, issueID, claimantID string, newStatus claimtypes.Status, note string, progress *int) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	current := m.Store.Get(claimID)
	if current.Claimant.ID != claimantID {
		return nil, claimtypes.ErrNotOwner
	}
	if current.Status == newStatus {
		return nil, fmt.Errorf("%w: claim is already %s", claimtypes.ErrInvalidTransition, newStatus)
	}
	if !claimtypes.CanTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", claimtypes.ErrInvalidTransition, current.Status, newStatus)
	}
	if progress != nil && *progress < current.Progress {
		return nil, fmt.Errorf("%w: progress cannot decrease from %d to %d", claimtypes.ErrValidationError, current.Progress, *progress)
	}

	now := m.Clock.Now()
	prevStatus := current.Status
	updated, err := m.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Status = newStatus
		c.LastActivityAt = now
		if progress != nil {
			c.Progress = clampProgress(*progress)
		}
		if note != "" {
			c.Notes = append(c.Notes, claimtypes.Note{Author: claimantID, Text: note, At: now})
		}
		c.StatusHistory = append(c.StatusHistory, claimtypes.StatusChange{From: prevStatus, To: newStatus, At: now, Note: note, CausedBy: claimantID})
		if newStatus == claimtypes.StatusBlocked {
			c.Blocked = &claimtypes.BlockedInfo{Reason: note, BlockedAt: now}
		} else if prevStatus == claimtypes.StatusBlocked {
			c.Blocked = nil
		}
	})
	if err != nil {
		return nil, err
	}

	m.Load.OnStatusChanged(claimantID, prevStatus, newStatus)
	var progressPayload any
	if progress != nil {
		progressPayload = updated.Progress
	}
	m.emit(ctx, claimID, issueID, claimtypes.EventClaimStatusChanged, map[string]any{"from": prevStatus, "to": newStatus, "progress": progressPayload, "note": note, "by": claimantID}, "")
	return m.Store.Get(claimID), nil
}

// SetProgress enforces monotone progress within a single claim id
// (invariant 6).
func (m *Manager) SetProgress(ctx context.Context, issueID, claimantID string, progress int) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	current := m.Store.Get(claimID)
	if current.Claimant.ID != claimantID {
		return nil, claimtypes.ErrNotOwner
	}
	if progress < current.Progress {
		return nil, fmt.Errorf("%w: progress cannot decrease from %d to %d", claimtypes.ErrValidationError, current.Progress, progress)
	}

	now := m.Clock.Now()
	updated, err := m.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Progress = clampProgress(progress)
		c.LastActivityAt = now
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, claimID, issueID, claimtypes.EventClaimProgress, map[string]any{"progress": updated.Progress}, "")
	return m.Store.Get(claimID), nil
}

// AddNote appends a free-text note without changing status.
func (m *Manager) AddNote(ctx context.Context, issueID, claimantID, text string) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	current := m.Store.Get(claimID)
	if current.Claimant.ID != claimantID {
		return nil, claimtypes.ErrNotOwner
	}

	now := m.Clock.Now()
	_, err := m.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Notes = append(c.Notes, claimtypes.Note{Author: claimantID, Text: text, At: now})
		c.LastActivityAt = now
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, claimID, issueID, claimtypes.EventClaimNoteAdded, map[string]any{"text": text, "author": claimantID}, "")
	return m.Store.Get(claimID), nil
}

// RequestReview transitions active -> review-requested, the only
// source status the transition table allows for it.
func (m *Manager) RequestReview(ctx context.Context, issueID, claimantID, note string) (*claimtypes.Claim, error) {
	return m.UpdateStatus(ctx, issueID, claimantID, claimtypes.StatusReviewRequested, note, nil)
}

// CompleteReview transitions review-requested -> active (changes
// requested) or completed (approved), matching §9's guidance that the
// caller-facing status-update operation never reaches
// review-requested directly.
func (m *Manager) CompleteReview(ctx context.Context, issueID, claimantID string, approved bool, note string) (*claimtypes.Claim, error) {
	target := claimtypes.StatusCompleted
	if !approved {
		target = claimtypes.StatusActive
	}
	return m.UpdateStatus(ctx, issueID, claimantID, target, note, nil)
}

// RequestHandoff transitions the claim to handoff-pending and records
// a pending HandoffInfo. toID may be empty for an open handoff.
func (m *Manager) RequestHandoff(ctx context.Context, issueID, fromID, toID string, toKind claimtypes.ClaimantKind, reason, note string) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	current := m.Store.Get(claimID)
	if current.Claimant.ID != fromID {
		return nil, claimtypes.ErrNotOwner
	}
	if !claimtypes.CanTransition(current.Status, claimtypes.StatusHandoffPending) {
		return nil, fmt.Errorf("%w: %s -> %s", claimtypes.ErrInvalidTransition, current.Status, claimtypes.StatusHandoffPending)
	}

	now := m.Clock.Now()
	handoffID := m.IDs.HandoffID()
	expiresAt := now.Add(m.Cfg.ContestWindow) // handoffs share the same bounded-decision window as contests
	prevStatus := current.Status

	_, err := m.Store.Update(claimID, func(c *claimtypes.Claim) {
		c.Status = claimtypes.StatusHandoffPending
		c.LastActivityAt = now
		c.Handoff = &claimtypes.HandoffInfo{
			HandoffID:      handoffID,
			TargetClaimant: toID,
			TargetKind:     toKind,
			Reason:         reason,
			RequestedAt:    now,
			ExpiresAt:      expiresAt,
		}
		if note != "" {
			c.Notes = append(c.Notes, claimtypes.Note{Author: fromID, Text: note, At: now})
		}
		c.StatusHistory = append(c.StatusHistory, claimtypes.StatusChange{From: prevStatus, To: claimtypes.StatusHandoffPending, At: now, Note: reason, CausedBy: fromID})
	})
	if err != nil {
		return nil, err
	}

	m.handoffMu.Lock()
	m.handoffIndex[handoffID] = handoffEntry{issueID: issueID, claimID: claimID, prior: prevStatus}
	m.handoffMu.Unlock()

	m.Load.OnStatusChanged(fromID, prevStatus, claimtypes.StatusHandoffPending)
	m.emit(ctx, claimID, issueID, claimtypes.EventHandoffRequested, map[string]any{"handoffId": handoffID, "toId": toID, "toKind": toKind, "reason": reason, "note": note, "expiresAt": expiresAt}, "")
	return m.Store.Get(claimID), nil
}

// AcceptHandoff closes the pending claim as released(cause=handoff)
// and opens a fresh claim for acceptingClaimant, carrying forward
// progress and priority.
func (m *Manager) AcceptHandoff(ctx context.Context, handoffID string, acceptingClaimant claimtypes.Claimant) (*claimtypes.Claim, error) {
	entry, ok := m.takeHandoff(handoffID)
	if !ok {
		return nil, claimtypes.ErrHandoffNotFound
	}

	unlock := m.Locks.Lock(entry.issueID)
	defer unlock()

	old := m.Store.Get(entry.claimID)
	if old == nil || old.Status != claimtypes.StatusHandoffPending {
		return nil, claimtypes.ErrHandoffNotFound
	}

	now := m.Clock.Now()
	change := claimtypes.StatusChange{From: claimtypes.StatusHandoffPending, To: claimtypes.StatusReleased, At: now, Note: "handoff", CausedBy: old.Claimant.ID}
	if err := m.Store.CloseClaim(entry.claimID, claimtypes.StatusReleased, change); err != nil {
		return nil, err
	}
	m.Load.OnClaimClosed(old.Claimant.ID, claimtypes.StatusHandoffPending, false)
	causation := m.emit(ctx, entry.claimID, entry.issueID, claimtypes.EventClaimReleased, map[string]any{"cause": "handoff"}, "")

	newClaim := &claimtypes.Claim{
		ID:             m.IDs.ClaimID(entry.issueID, acceptingClaimant.ID, now),
		IssueID:        entry.issueID,
		Claimant:       acceptingClaimant,
		Status:         claimtypes.StatusActive,
		Priority:       old.Priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		Progress:       old.Progress,
		StatusHistory: []claimtypes.StatusChange{
			{From: "", To: claimtypes.StatusActive, At: now, CausedBy: acceptingClaimant.ID, Note: "handoff-accepted"},
		},
		Metadata: map[string]any{},
	}
	if err := m.Store.TryOpenClaim(newClaim); err != nil {
		return nil, err
	}
	max := acceptingClaimant.MaxConcurrentClaims
	if max <= 0 {
		max = m.Cfg.MaxClaimsPerAgent
	}
	m.Load.SetMaxConcurrent(acceptingClaimant.ID, max)
	m.Load.OnClaimOpened(acceptingClaimant.ID)
	m.emit(ctx, newClaim.ID, entry.issueID, claimtypes.EventHandoffAccepted, newClaim.Clone(), causation.ID)

	return m.Store.Get(newClaim.ID), nil
}

// RejectHandoff restores the claim to the status it held before the
// handoff request.
func (m *Manager) RejectHandoff(ctx context.Context, handoffID, reason string) (*claimtypes.Claim, error) {
	entry, ok := m.takeHandoff(handoffID)
	if !ok {
		return nil, claimtypes.ErrHandoffNotFound
	}

	unlock := m.Locks.Lock(entry.issueID)
	defer unlock()

	claim := m.Store.Get(entry.claimID)
	if claim == nil || claim.Status != claimtypes.StatusHandoffPending {
		return nil, claimtypes.ErrHandoffNotFound
	}

	now := m.Clock.Now()
	_, err := m.Store.Update(entry.claimID, func(c *claimtypes.Claim) {
		c.Status = entry.prior
		c.Handoff = nil
		c.LastActivityAt = now
		c.StatusHistory = append(c.StatusHistory, claimtypes.StatusChange{From: claimtypes.StatusHandoffPending, To: entry.prior, At: now, Note: reason, CausedBy: "system"})
	})
	if err != nil {
		return nil, err
	}
	m.Load.OnStatusChanged(claim.Claimant.ID, claimtypes.StatusHandoffPending, entry.prior)
	m.emit(ctx, entry.claimID, entry.issueID, claimtypes.EventHandoffRejected, map[string]any{"reason": reason}, "")
	return m.Store.Get(entry.claimID), nil
}

func (m *Manager) takeHandoff(handoffID string) (handoffEntry, bool) {
	m.handoffMu.Lock()
	defer m.handoffMu.Unlock()
	entry, ok := m.handoffIndex[handoffID]
	if ok {
		delete(m.handoffIndex, handoffID)
	}
	return entry, ok
}

// Expire transitions the issue's non-terminal claim to expired once
// its ExpiresAt has passed; it does not check the grace period or an
// open contest. Called only by the ExpiryDriver's scan, through the same locking
// path as caller-initiated operations (spec §5).
func (m *Manager) Expire(ctx context.Context, issueID string) (*claimtypes.Claim, error) {
	unlock := m.Locks.Lock(issueID)
	defer unlock()

	claimID := m.Store.ActiveClaimForIssue(issueID)
	if claimID == "" {
		return nil, claimtypes.ErrNotClaimed
	}
	claim := m.Store.Get(claimID)
	if claim.ExpiresAt == nil || m.Clock.Now().Before(*claim.ExpiresAt) {
		return nil, fmt.Errorf("%w: claim is not past its expiry", claimtypes.ErrValidationError)
	}

	now := m.Clock.Now()
	change := claimtypes.StatusChange{From: claim.Status, To: claimtypes.StatusExpired, At: now, CausedBy: "system"}
	if err := m.Store.CloseClaim(claimID, claimtypes.StatusExpired, change); err != nil {
		return nil, err
	}
	m.Load.OnClaimClosed(claim.Claimant.ID, claim.Status, false)
	m.emit(ctx, claimID, issueID, claimtypes.EventClaimExpired, nil, "")
	return m.Store.Get(claimID), nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
