package rebalancer

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

type rbHarness struct {
	Store *claimstore.Store
	Load  *loadindex.Index
	Clock *clock.Fake
	Cfg   *config.Config
}

func newRebalancer(t *testing.T, mutate func(*config.Config)) (*Rebalancer, *rbHarness) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &rbHarness{
		Store: claimstore.New(),
		Load:  loadindex.New(cfg.OverloadedPercent, cfg.UnderloadedPercent, nil),
		Clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Cfg:   &cfg,
	}
	r := New(h.Store, eventlog.New(), h.Load, eventbus.New(), h.Clock, idgen.New("t"), h.Cfg, keyedmutex.New())
	return r, h
}

func openClaim(t *testing.T, h *rbHarness, issueID, claimantID string, priority claimtypes.Priority, at time.Time, progress int) {
	t.Helper()
	claim := &claimtypes.Claim{
		ID:             claimantID + "-" + issueID,
		IssueID:        issueID,
		Claimant:       claimtypes.Claimant{ID: claimantID, Kind: claimtypes.ClaimantAgent},
		Status:         claimtypes.StatusActive,
		Priority:       priority,
		ClaimedAt:      at,
		LastActivityAt: at,
		Progress:       progress,
	}
	require.NoError(t, h.Store.TryOpenClaim(claim))
	if h.Load.AgentLoad(claimantID).MaxConcurrent == 0 {
		h.Load.SetMaxConcurrent(claimantID, 10)
	}
	h.Load.OnClaimOpened(claimantID)
}

func TestRunPassSkipsWhenSpreadBelowThreshold(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) { c.RebalanceSpread = 1000 })
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 0)

	res, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
}

func TestRunPassMovesAClaimFromOverloadedToUnderloaded(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) {
		c.RebalanceSpread = 0
		c.MaxMovesPerRebalance = 10
	})
	h.Load.SetMaxConcurrent("busy", 1)
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 0)
	h.Load.SetMaxConcurrent("idle", 10)

	res, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "busy", res.Applied[0].FromClaimant)
	assert.Equal(t, "idle", res.Applied[0].ToClaimant)

	newOwner := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, newOwner)
	assert.Equal(t, "idle", newOwner.Claimant.ID)
}

func TestRunPassNeverMovesProtectedHighProgressClaims(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) {
		c.RebalanceSpread = 0
		c.MinProgressToProtect = 50
	})
	h.Load.SetMaxConcurrent("busy", 1)
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 90)
	h.Load.SetMaxConcurrent("idle", 10)

	res, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Len(t, res.Skipped, 1)

	stillOwner := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, stillOwner)
	assert.Equal(t, "busy", stillOwner.Claimant.ID)
}

func TestDryRunPlansMovesButAppliesNone(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) { c.RebalanceSpread = 0 })
	h.Load.SetMaxConcurrent("busy", 1)
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 0)
	h.Load.SetMaxConcurrent("idle", 10)

	res, err := r.RunPass(context.Background(), "", true)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	stillOwner := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, stillOwner)
	assert.Equal(t, "busy", stillOwner.Claimant.ID, "dry run must not actually move the claim")
}

func TestRunPassRejectsUnknownStrategy(t *testing.T) {
	r, _ := newRebalancer(t, nil)
	_, err := r.RunPass(context.Background(), config.RebalanceStrategy("fastest"), false)
	assert.ErrorIs(t, err, claimtypes.ErrValidationError)
}

func TestRunPassEnforcesCooldownBetweenAppliedPasses(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) {
		c.RebalanceSpread = 0
		c.RebalanceCooldown = time.Hour
	})
	h.Load.SetMaxConcurrent("busy", 1)
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 0)
	h.Load.SetMaxConcurrent("idle", 10)

	_, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)

	_, err = r.RunPass(context.Background(), "", false)
	assert.ErrorIs(t, err, claimtypes.ErrRebalanceCooldown)

	h.Clock.Advance(2 * time.Hour)
	_, err = r.RunPass(context.Background(), "", false)
	assert.NoError(t, err)
}

func TestRunPassRespectsMaxMovesPerRebalance(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) {
		c.RebalanceSpread = 0
		c.MaxMovesPerRebalance = 1
	})
	h.Load.SetMaxConcurrent("busy", 2)
	openClaim(t, h, "issue-1", "busy", claimtypes.PriorityMedium, h.Clock.Now(), 0)
	openClaim(t, h, "issue-2", "busy", claimtypes.PriorityMedium, h.Clock.Now().Add(time.Minute), 0)
	h.Load.SetMaxConcurrent("idle", 10)

	res, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
}

func TestOverviewComputesSpreadFromMinAndMaxLoadPercentage(t *testing.T) {
	_, h := newRebalancer(t, nil)
	h.Load.SetMaxConcurrent("busy", 1)
	h.Load.OnClaimOpened("busy")
	h.Load.SetMaxConcurrent("idle", 10)

	r := New(h.Store, eventlog.New(), h.Load, eventbus.New(), h.Clock, idgen.New("t"), h.Cfg, keyedmutex.New())
	overview := r.Overview()
	assert.Equal(t, 100, overview.Spread)
}

func TestOverviewIsEmptyWithNoSamples(t *testing.T) {
	r, _ := newRebalancer(t, nil)
	assert.Zero(t, r.Overview())
}

func TestPriorityBasedStrategyMovesLowestPriorityFirst(t *testing.T) {
	r, h := newRebalancer(t, func(c *config.Config) {
		c.RebalanceSpread = 0
		c.MaxMovesPerRebalance = 1
		c.DefaultStrategy = config.StrategyPriorityBased
	})
	h.Load.SetMaxConcurrent("busy", 2)
	openClaim(t, h, "issue-high", "busy", claimtypes.PriorityCritical, h.Clock.Now(), 0)
	openClaim(t, h, "issue-low", "busy", claimtypes.PriorityLow, h.Clock.Now().Add(time.Minute), 0)
	h.Load.SetMaxConcurrent("idle", 10)

	res, err := r.RunPass(context.Background(), "", false)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "issue-low", res.Applied[0].IssueID)
}
