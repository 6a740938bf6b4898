package stealengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type harness struct {
	Store *claimstore.Store
	Log   *eventlog.Log
	Load  *loadindex.Index
	Clock *clock.Fake
	Cfg   *config.Config
	Locks *keyedmutex.Map
	IDs   *idgen.Generator
	Bus   *eventbus.Bus
}

func newHarness(t *testing.T, mutate func(*config.Config)) (*Engine, *harness) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		Store: claimstore.New(),
		Log:   eventlog.New(),
		Load:  loadindex.New(cfg.OverloadedPercent, cfg.UnderloadedPercent, nil),
		Clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Cfg:   &cfg,
		Locks: keyedmutex.New(),
		IDs:   idgen.New("t"),
		Bus:   eventbus.New(),
	}
	e := New(h.Store, h.Log, h.Load, h.Bus, h.Clock, h.IDs, h.Cfg, h.Locks)
	return e, h
}

func openActiveClaim(t *testing.T, h *harness, issueID, claimantID string, priority claimtypes.Priority, claimedAt time.Time) {
	t.Helper()
	claim := &claimtypes.Claim{
		ID:             claimantID + "-" + issueID,
		IssueID:        issueID,
		Claimant:       claimtypes.Claimant{ID: claimantID, Kind: claimtypes.ClaimantAgent},
		Status:         claimtypes.StatusActive,
		Priority:       priority,
		ClaimedAt:      claimedAt,
		LastActivityAt: claimedAt,
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
}

func TestMarkStealableFailsDuringGracePeriod(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())

	_, err := e.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	assert.ErrorIs(t, err, claimtypes.ErrInGrace)
}

func TestMarkStealableSucceedsAfterGracePeriod(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)

	claim, err := e.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	require.NoError(t, err)
	assert.Equal(t, claimtypes.StatusStealable, claim.Status)
	assert.Equal(t, "stale", claim.Stealable.Reason)
}

func TestMarkStealableRequiresOwnership(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)

	_, err := e.MarkStealable(context.Background(), "issue-1", "alice", "stale")
	assert.ErrorIs(t, err, claimtypes.ErrNotOwner)
}

func TestMarkStealableTwiceFails(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)

	_, err := e.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	require.NoError(t, err)
	_, err = e.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	assert.ErrorIs(t, err, claimtypes.ErrAlreadyStealable)
}

func markAndAdvanceToStealable(t *testing.T, e *Engine, h *harness, issueID, claimantID string) {
	t.Helper()
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)
	_, err := e.MarkStealable(context.Background(), issueID, claimantID, "stale")
	require.NoError(t, err)
}

func TestStealMovesClaimToStealerAndOpensContestWindow(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")

	stealer := claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}
	res, err := e.Steal(context.Background(), "issue-1", stealer, "grabbing stale work")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.PreviousClaimant)
	assert.Equal(t, h.Clock.Now().Add(h.Cfg.ContestWindow), res.ContestWindowEndsAt)

	newClaim := h.Store.Get(res.NewClaimID)
	require.NotNil(t, newClaim)
	assert.Equal(t, "alice", newClaim.Claimant.ID)
	assert.Equal(t, claimtypes.StatusActive, newClaim.Status)
}

func TestStealRejectsProtectedHighProgressClaim(t *testing.T) {
	e, h := newHarness(t, func(c *config.Config) { c.MinProgressToProtect = 50 })
	claim := &claimtypes.Claim{
		ID: "bob-issue-1", IssueID: "issue-1",
		Claimant: claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent},
		Status:   claimtypes.StatusActive, Priority: claimtypes.PriorityMedium,
		ClaimedAt: h.Clock.Now(), LastActivityAt: h.Clock.Now(), Progress: 80,
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")

	_, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	assert.ErrorIs(t, err, claimtypes.ErrProtectedByProgress)
}

func TestStealRejectsCrossTypeWhenNotAllowed(t *testing.T) {
	e, h := newHarness(t, func(c *config.Config) {
		c.AllowCrossTypeSteal = true
		c.CrossTypeStealRules = nil
	})
	claim := &claimtypes.Claim{
		ID: "bob-issue-1", IssueID: "issue-1",
		Claimant: claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent, AgentType: "coder"},
		Status:   claimtypes.StatusActive, Priority: claimtypes.PriorityMedium,
		ClaimedAt: h.Clock.Now(), LastActivityAt: h.Clock.Now(),
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")

	stealer := claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent, AgentType: "reviewer"}
	_, err := e.Steal(context.Background(), "issue-1", stealer, "")
	assert.ErrorIs(t, err, claimtypes.ErrCrossTypeNotAllowed)
}

func TestStealAllowsCrossTypeWhenRuleMatches(t *testing.T) {
	e, h := newHarness(t, func(c *config.Config) {
		c.AllowCrossTypeSteal = true
		c.CrossTypeStealRules = []config.CrossTypeRule{{A: "coder", B: "debugger"}}
	})
	claim := &claimtypes.Claim{
		ID: "bob-issue-1", IssueID: "issue-1",
		Claimant: claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent, AgentType: "coder"},
		Status:   claimtypes.StatusActive, Priority: claimtypes.PriorityMedium,
		ClaimedAt: h.Clock.Now(), LastActivityAt: h.Clock.Now(),
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")

	stealer := claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent, AgentType: "debugger"}
	_, err := e.Steal(context.Background(), "issue-1", stealer, "")
	assert.NoError(t, err)
}

func TestContestMustComeFromThePreviousClaimant(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")
	_, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)

	_, err = e.Contest(context.Background(), "issue-1", "mallory", "not mine to lose")
	assert.ErrorIs(t, err, claimtypes.ErrNotEligibleContester)
}

func TestContestFailsAfterWindowCloses(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")
	_, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)

	h.Clock.Advance(h.Cfg.ContestWindow + time.Minute)
	_, err = e.Contest(context.Background(), "issue-1", "bob", "too late")
	assert.ErrorIs(t, err, claimtypes.ErrWindowClosed)
}

func TestResolveContestDefenderKeepsTheSteal(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")
	res, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)

	info, err := e.Contest(context.Background(), "issue-1", "bob", "i want it back")
	require.NoError(t, err)

	resolved, err := e.ResolveContest(context.Background(), info.ContestID, claimtypes.ResolutionDefender, "system")
	require.NoError(t, err)
	assert.Equal(t, res.NewClaimID, resolved.ID)
	assert.Equal(t, "alice", resolved.Claimant.ID)
}

func TestResolveContestChallengerReversesTheSteal(t *testing.T) {
	e, h := newHarness(t, nil)
	claimedAt := h.Clock.Now()
	claim := &claimtypes.Claim{
		ID: "bob-issue-1", IssueID: "issue-1",
		Claimant: claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent},
		Status:   claimtypes.StatusActive, Priority: claimtypes.PriorityMedium,
		ClaimedAt: claimedAt, LastActivityAt: claimedAt, Progress: 40,
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")
	_, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)

	info, err := e.Contest(context.Background(), "issue-1", "bob", "contesting")
	require.NoError(t, err)

	reinstated, err := e.ResolveContest(context.Background(), info.ContestID, claimtypes.ResolutionChallenger, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", reinstated.Claimant.ID)
	assert.Equal(t, claimtypes.StatusActive, reinstated.Status)
	assert.Equal(t, 40, reinstated.Progress, "progress should carry forward through a reversed steal")
}

func TestStealableFiltersByPriorityAndLimit(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityHigh, h.Clock.Now())
	openActiveClaim(t, h, "issue-2", "carl", claimtypes.PriorityLow, h.Clock.Now())
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)
	_, err := e.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	require.NoError(t, err)
	_, err = e.MarkStealable(context.Background(), "issue-2", "carl", "stale")
	require.NoError(t, err)

	high := claimtypes.PriorityHigh
	got := e.Stealable(&high, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "issue-1", got[0].IssueID)

	assert.Len(t, e.Stealable(nil, 1), 1)
}

func TestDueContestsOnlyReturnsUnresolvedPastDeadline(t *testing.T) {
	e, h := newHarness(t, nil)
	openActiveClaim(t, h, "issue-1", "bob", claimtypes.PriorityMedium, h.Clock.Now())
	markAndAdvanceToStealable(t, e, h, "issue-1", "bob")
	_, err := e.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)
	_, err = e.Contest(context.Background(), "issue-1", "bob", "mine")
	require.NoError(t, err)

	assert.Empty(t, e.DueContests(h.Clock.Now()))
	h.Clock.Advance(h.Cfg.ContestWindow + time.Minute)
	assert.NotEmpty(t, e.DueContests(h.Clock.Now()))
}
