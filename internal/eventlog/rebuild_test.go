package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/clock"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/coordinator"
	"github.com/steveyegge/swarmguard/internal/eventlog"
)

// assertRebuildMatchesStore is the testable property from spec §8:
// replaying an aggregate's own event stream must reproduce the live
// Claim bit-for-bit.
func assertRebuildMatchesStore(t *testing.T, c *coordinator.Coordinator, claimID string) {
	t.Helper()
	live := c.Store.Get(claimID)
	require.NotNil(t, live, "claim %s must exist in the store", claimID)

	rebuilt := eventlog.Rebuild(c.Log.Stream(claimID, 0))
	require.NotNil(t, rebuilt, "Rebuild must reconstruct claim %s from its own event stream", claimID)

	assert.Equal(t, live, rebuilt)
}

func TestRebuildReproducesStatusProgressAndNoteLifecycle(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := coordinator.New(config.Default(), coordinator.WithClock(fake))
	ctx := context.Background()

	claim, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityHigh, nil)
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)

	fake.Advance(time.Minute)
	progress := 10
	_, err = c.Manager.UpdateStatus(ctx, "issue-1", "bob", claimtypes.StatusBlocked, "waiting on ci", &progress)
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)

	fake.Advance(time.Minute)
	_, err = c.Manager.AddNote(ctx, "issue-1", "bob", "still blocked, filed a ticket")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)

	fake.Advance(time.Minute)
	unblocked := 40
	_, err = c.Manager.UpdateStatus(ctx, "issue-1", "bob", claimtypes.StatusActive, "", &unblocked)
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)

	fake.Advance(time.Minute)
	_, err = c.Manager.SetProgress(ctx, "issue-1", "bob", 90)
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)

	fake.Advance(time.Minute)
	_, err = c.Manager.Release(ctx, "issue-1", "bob", "done for now")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, claim.ID)
}

func TestRebuildReproducesStealAndContestReversalLifecycle(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.MinProgressToProtect = 1000 // never protect, for this test
	c := coordinator.New(cfg, coordinator.WithClock(fake))
	ctx := context.Background()

	original, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	fake.Advance(c.Cfg.GracePeriod + time.Second)
	_, err = c.Steal.MarkStealable(ctx, "issue-1", "bob", "stale")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, original.ID)

	fake.Advance(time.Second)
	stealResult, err := c.Steal.Steal(ctx, "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "picking it up")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, original.ID) // old claim, now terminal (stolen)
	assertRebuildMatchesStore(t, c, stealResult.NewClaimID)

	fake.Advance(time.Second)
	_, err = c.Steal.Contest(ctx, "issue-1", "bob", "I was about to finish it")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, stealResult.NewClaimID)

	contested := c.Store.Get(stealResult.NewClaimID)
	require.NotNil(t, contested.Contest)

	reinstated, err := c.Steal.ResolveContest(ctx, contested.Contest.ContestID, claimtypes.ResolutionChallenger, "bob")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, stealResult.NewClaimID) // stolen claim, now released via contest
	assertRebuildMatchesStore(t, c, reinstated.ID)
}

func TestRebuildReproducesContestDefenderWinLifecycle(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.MinProgressToProtect = 1000
	c := coordinator.New(cfg, coordinator.WithClock(fake))
	ctx := context.Background()

	_, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	fake.Advance(c.Cfg.GracePeriod + time.Second)
	_, err = c.Steal.MarkStealable(ctx, "issue-1", "bob", "stale")
	require.NoError(t, err)

	fake.Advance(time.Second)
	stealResult, err := c.Steal.Steal(ctx, "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "picking it up")
	require.NoError(t, err)

	fake.Advance(time.Second)
	contest, err := c.Steal.Contest(ctx, "issue-1", "bob", "I was about to finish it")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, stealResult.NewClaimID)

	_, err = c.Steal.ResolveContest(ctx, contest.ContestID, claimtypes.ResolutionDefender, "system")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, stealResult.NewClaimID)
}

func TestRebuildReproducesHandoffLifecycle(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := coordinator.New(config.Default(), coordinator.WithClock(fake))
	ctx := context.Background()

	original, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	requested, err := c.Manager.RequestHandoff(ctx, "issue-1", "bob", "alice", claimtypes.ClaimantAgent, "going on vacation", "handing this off")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, original.ID)

	fake.Advance(time.Minute)
	accepted, err := c.Manager.AcceptHandoff(ctx, requested.Handoff.HandoffID, claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent})
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, original.ID) // now released(handoff)
	assertRebuildMatchesStore(t, c, accepted.ID)
}

func TestRebuildReproducesHandoffRejectionRestoringPriorStatus(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := coordinator.New(config.Default(), coordinator.WithClock(fake))
	ctx := context.Background()

	original, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	progress := 20
	_, err = c.Manager.UpdateStatus(ctx, "issue-1", "bob", claimtypes.StatusPaused, "taking a break", &progress)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	requested, err := c.Manager.RequestHandoff(ctx, "issue-1", "bob", "", claimtypes.ClaimantAgent, "maybe someone else wants this", "")
	require.NoError(t, err)
	assertRebuildMatchesStore(t, c, original.ID)

	fake.Advance(time.Minute)
	restored, err := c.Manager.RejectHandoff(ctx, requested.Handoff.HandoffID, "never mind, keeping it")
	require.NoError(t, err)
	assert.Equal(t, claimtypes.StatusPaused, restored.Status, "rejecting a handoff restores the status held before the request")
	assertRebuildMatchesStore(t, c, original.ID)
}

func TestRebuildReproducesRebalanceMoveLifecycle(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.RebalanceSpread = 0
	cfg.RebalanceCooldown = 0
	cfg.MinProgressToProtect = 1000
	c := coordinator.New(cfg, coordinator.WithClock(fake))
	ctx := context.Background()

	original, err := c.Manager.Claim(ctx, "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityLow, nil)
	require.NoError(t, err)
	c.Load.SetMaxConcurrent("bob", 1) // force bob to read as fully loaded
	c.Load.SetMaxConcurrent("alice", 10)

	fake.Advance(time.Minute)
	result, err := c.Reb.RunPass(ctx, config.StrategyLeastLoaded, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.Applied, "the overloaded claimant's only claim should move")

	moved := result.Applied[0]
	assertRebuildMatchesStore(t, c, original.ID) // released(rebalance)

	newClaimID := c.Store.ActiveClaimForIssue("issue-1")
	require.NotEmpty(t, newClaimID)
	assert.Equal(t, moved.ToClaimant, c.Store.Get(newClaimID).Claimant.ID)
	assertRebuildMatchesStore(t, c, newClaimID)
}
