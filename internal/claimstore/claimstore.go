// Package claimstore keeps the live projection of claims: the primary
// ClaimId -> Claim index plus the secondary indexes spec §4.1
// enumerates. Every read and write goes through this type; callers
// above it (ClaimManager, StealEngine, Rebalancer) are responsible for
// the per-issue serialization discipline in spec §5 — the store itself
// only guarantees its own indexes stay consistent with each other.
package claimstore

import (
	"sort"
	"sync"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// Store is the indexed claim projection.
type Store struct {
	mu sync.RWMutex

	byID       map[string]*claimtypes.Claim
	activeByIssue map[string]string // issueId -> claimId, only non-terminal
	byClaimant  map[string]map[string]bool // claimantId -> set<claimId> (active claims only)
	byStatus    map[claimtypes.Status]map[string]bool
	stealable   map[string]bool
	contested   map[string]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:          make(map[string]*claimtypes.Claim),
		activeByIssue: make(map[string]string),
		byClaimant:    make(map[string]map[string]bool),
		byStatus:      make(map[claimtypes.Status]map[string]bool),
		stealable:     make(map[string]bool),
		contested:     make(map[string]bool),
	}
}

// TryOpenClaim installs claim as the issue's sole non-terminal claim
// if, and only if, none exists yet.
func (s *Store) TryOpenClaim(claim *claimtypes.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeByIssue[claim.IssueID]; exists {
		return claimtypes.ErrAlreadyClaimed
	}
	s.install(claim)
	return nil
}

// ReplaceClaim swaps the issue's active claim index from oldClaimID to
// newClaim in one step and marks the old claim stolen. Used by the
// StealEngine (spec §4.1). Fails with ErrConflict if oldClaimID is no
// longer the active claim for the issue — the caller lost the race.
func (s *Store) ReplaceClaim(issueID, oldClaimID string, newClaim *claimtypes.Claim, terminalStatus claimtypes.Status, statusChange claimtypes.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.activeByIssue[issueID]
	if !ok || current != oldClaimID {
		return claimtypes.ErrConflict
	}

	old, ok := s.byID[oldClaimID]
	if !ok {
		return claimtypes.ErrConflict
	}

	s.terminalizeLocked(old, terminalStatus, statusChange)
	s.install(newClaim)
	return nil
}

// CloseClaim transitions claimID to terminalStatus and removes the
// issue's active-claim index, leaving the record for history.
func (s *Store) CloseClaim(claimID string, terminalStatus claimtypes.Status, change claimtypes.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[claimID]
	if !ok {
		return claimtypes.ErrNotClaimed
	}
	s.terminalizeLocked(c, terminalStatus, change)
	return nil
}

// Update applies mutator to the live claim under the write lock and
// re-indexes it. mutator must not retain the pointer it receives past
// the call.
func (s *Store) Update(claimID string, mutator func(*claimtypes.Claim)) (*claimtypes.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[claimID]
	if !ok {
		return nil, claimtypes.ErrNotClaimed
	}

	prevStatus := c.Status
	mutator(c)
	s.reindexLocked(c, prevStatus)
	return c.Clone(), nil
}

// Get returns a defensive copy of the claim, or nil if unknown.
func (s *Store) Get(claimID string) *claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[claimID].Clone()
}

// ActiveClaimForIssue returns the non-terminal claim id for issueID,
// or "" if the issue has none.
func (s *Store) ActiveClaimForIssue(issueID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeByIssue[issueID]
}

// ListByClaimant returns every non-terminal claim owned by claimantID.
func (s *Store) ListByClaimant(claimantID string) []*claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byClaimant[claimantID]
	out := make([]*claimtypes.Claim, 0, len(ids))
	for id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByStatus returns every claim currently in status.
func (s *Store) ListByStatus(status claimtypes.Status) []*claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byStatus[status]
	out := make([]*claimtypes.Claim, 0, len(ids))
	for id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListStealable returns every claim currently marked stealable,
// sorted by (priority desc, stealable.markedAt asc, claimId asc) per
// spec §4.3's ordering rule.
func (s *Store) ListStealable() []*claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*claimtypes.Claim, 0, len(s.stealable))
	for id := range s.stealable {
		out = append(out, s.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		at, bt := a.Stealable, b.Stealable
		if at != nil && bt != nil && !at.MarkedAt.Equal(bt.MarkedAt) {
			return at.MarkedAt.Before(bt.MarkedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// ListContested returns every claim currently in an open contest.
func (s *Store) ListContested() []*claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*claimtypes.Claim, 0, len(s.contested))
	for id := range s.contested {
		out = append(out, s.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAvailable returns, sorted, every id in issueIDs that has no
// active claim; ids the store has never seen count as available and no
// other filtering is applied. Because the core
// doesn't own an issue catalogue (spec §1), "available" here means
// "no non-terminal claim" — the ToolSurface cross-references the
// issue catalogue it was given for labels/repository filters.
func (s *Store) ListAvailable(issueIDs []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(issueIDs))
	for _, id := range issueIDs {
		if _, claimed := s.activeByIssue[id]; !claimed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every claim the store has ever recorded, live and
// terminal, for metrics/history scans.
func (s *Store) All() []*claimtypes.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*claimtypes.Claim, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// install adds a freshly created (non-terminal) claim to every index.
// Caller must hold the write lock.
func (s *Store) install(claim *claimtypes.Claim) {
	s.byID[claim.ID] = claim
	s.activeByIssue[claim.IssueID] = claim.ID
	s.addToClaimantLocked(claim.Claimant.ID, claim.ID)
	s.addToStatusLocked(claim.Status, claim.ID)
	if claim.Status == claimtypes.StatusStealable {
		s.stealable[claim.ID] = true
	}
	if claim.Contest != nil {
		s.contested[claim.ID] = true
	}
}

// terminalizeLocked moves claim to a terminal status, removing it from
// every "live" index but keeping the record in byID for history.
// Caller must hold the write lock.
func (s *Store) terminalizeLocked(claim *claimtypes.Claim, terminalStatus claimtypes.Status, change claimtypes.StatusChange) {
	prevStatus := claim.Status
	claim.Status = terminalStatus
	claim.StatusHistory = append(claim.StatusHistory, change)

	delete(s.activeByIssue, claim.IssueID)
	s.removeFromClaimantLocked(claim.Claimant.ID, claim.ID)
	s.removeFromStatusLocked(prevStatus, claim.ID)
	s.addToStatusLocked(terminalStatus, claim.ID)
	delete(s.stealable, claim.ID)
	delete(s.contested, claim.ID)
}

// reindexLocked re-derives the secondary indexes after an in-place
// mutation changed claim's status. Caller must hold the write lock.
func (s *Store) reindexLocked(claim *claimtypes.Claim, prevStatus claimtypes.Status) {
	if prevStatus != claim.Status {
		s.removeFromStatusLocked(prevStatus, claim.ID)
		s.addToStatusLocked(claim.Status, claim.ID)
	}
	if claim.Status.Terminal() && !prevStatus.Terminal() {
		if s.activeByIssue[claim.IssueID] == claim.ID {
			delete(s.activeByIssue, claim.IssueID)
		}
		s.removeFromClaimantLocked(claim.Claimant.ID, claim.ID)
	}
	if claim.Status == claimtypes.StatusStealable {
		s.stealable[claim.ID] = true
	} else {
		delete(s.stealable, claim.ID)
	}
	if claim.Contest != nil && claim.Contest.Resolution == nil {
		s.contested[claim.ID] = true
	} else {
		delete(s.contested, claim.ID)
	}
}

func (s *Store) addToClaimantLocked(claimantID, claimID string) {
	set, ok := s.byClaimant[claimantID]
	if !ok {
		set = make(map[string]bool)
		s.byClaimant[claimantID] = set
	}
	set[claimID] = true
}

func (s *Store) removeFromClaimantLocked(claimantID, claimID string) {
	if set, ok := s.byClaimant[claimantID]; ok {
		delete(set, claimID)
	}
}

func (s *Store) addToStatusLocked(status claimtypes.Status, claimID string) {
	set, ok := s.byStatus[status]
	if !ok {
		set = make(map[string]bool)
		s.byStatus[status] = set
	}
	set[claimID] = true
}

func (s *Store) removeFromStatusLocked(status claimtypes.Status, claimID string) {
	if set, ok := s.byStatus[status]; ok {
		delete(set, claimID)
	}
}
