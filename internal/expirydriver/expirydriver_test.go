package expirydriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/swarmguard/internal/claimmanager"
	"github.com/steveyegge/swarmguard/internal/claimstore"
	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/clock"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/eventbus"
	"github.com/steveyegge/swarmguard/internal/eventlog"
	"github.com/steveyegge/swarmguard/internal/idgen"
	"github.com/steveyegge/swarmguard/internal/keyedmutex"
	"github.com/steveyegge/swarmguard/internal/loadindex"
	"github.com/steveyegge/swarmguard/internal/stealengine"
)

type edHarness struct {
	Store *claimstore.Store
	Mgr   *claimmanager.Manager
	Steal *stealengine.Engine
	Load  *loadindex.Index
	Clock *clock.Fake
	Cfg   *config.Config
}

func newDriver(t *testing.T, mutate func(*config.Config)) (*Driver, *edHarness) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	store := claimstore.New()
	log_ := eventlog.New()
	load := loadindex.New(cfg.OverloadedPercent, cfg.UnderloadedPercent, nil)
	bus := eventbus.New()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := idgen.New("t")
	locks := keyedmutex.New()

	mgr := claimmanager.New(store, log_, load, bus, fake, ids, &cfg, locks)
	steal := stealengine.New(store, log_, load, bus, fake, ids, &cfg, locks)

	h := &edHarness{Store: store, Mgr: mgr, Steal: steal, Load: load, Clock: fake, Cfg: &cfg}
	d := New(store, mgr, steal, load, fake, &cfg, time.Second)
	return d, h
}

func TestScanExpiresClaimsPastTheirTTL(t *testing.T) {
	d, h := newDriver(t, nil)
	ttl := time.Hour
	opened, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, &ttl)
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Hour)
	d.Scan(context.Background())

	claim := h.Store.Get(opened.ID)
	require.NotNil(t, claim)
	assert.Equal(t, claimtypes.StatusExpired, claim.Status)
}

func TestScanAutoMarksStaleClaimsStealable(t *testing.T) {
	d, h := newDriver(t, func(c *config.Config) { c.StaleThreshold = time.Hour })
	claimedAt := h.Clock.Now()
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Hour)
	d.Scan(context.Background())

	claim := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, claim)
	assert.Equal(t, claimtypes.StatusStealable, claim.Status)
	assert.Equal(t, "stale", claim.Stealable.Reason)
	_ = claimedAt
}

func TestScanDoesNotTouchClaimsStillInGracePeriod(t *testing.T) {
	d, h := newDriver(t, func(c *config.Config) { c.StaleThreshold = time.Minute })
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	d.Scan(context.Background())

	claim := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, claim)
	assert.Equal(t, claimtypes.StatusActive, claim.Status)
}

func TestScanAutoMarksLongBlockedClaimsStealable(t *testing.T) {
	d, h := newDriver(t, func(c *config.Config) { c.BlockedThreshold = time.Hour })
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)
	_, err = h.Mgr.UpdateStatus(context.Background(), "issue-1", "bob", claimtypes.StatusBlocked, "waiting", nil)
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Hour)
	d.Scan(context.Background())

	claim := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, claim)
	assert.Equal(t, claimtypes.StatusStealable, claim.Status)
	assert.Equal(t, "blocked", claim.Stealable.Reason)
}

func TestScanAutoMarksWorstClaimOfAnOverloadedClaimant(t *testing.T) {
	d, h := newDriver(t, nil)
	h.Load.SetMaxConcurrent("busy", 1)
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "busy", Kind: claimtypes.ClaimantAgent, MaxConcurrentClaims: 1}, claimtypes.PriorityLow, nil)
	require.NoError(t, err)

	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)
	d.Scan(context.Background())

	claim := h.Store.Get(h.Store.ActiveClaimForIssue("issue-1"))
	require.NotNil(t, claim)
	assert.Equal(t, claimtypes.StatusStealable, claim.Status)
	assert.Equal(t, "overloaded", claim.Stealable.Reason)
}

func TestScanAutoResolvesContestsInFavorOfDefenderOncePastDeadline(t *testing.T) {
	d, h := newDriver(t, nil)
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)
	h.Clock.Advance(h.Cfg.GracePeriod + time.Minute)
	_, err = h.Steal.MarkStealable(context.Background(), "issue-1", "bob", "stale")
	require.NoError(t, err)
	stealRes, err := h.Steal.Steal(context.Background(), "issue-1", claimtypes.Claimant{ID: "alice", Kind: claimtypes.ClaimantAgent}, "")
	require.NoError(t, err)
	_, err = h.Steal.Contest(context.Background(), "issue-1", "bob", "mine")
	require.NoError(t, err)

	h.Clock.Advance(h.Cfg.ContestWindow + time.Minute)
	d.Scan(context.Background())

	resolved := h.Store.Get(stealRes.NewClaimID)
	require.NotNil(t, resolved)
	require.NotNil(t, resolved.Contest)
	assert.NotNil(t, resolved.Contest.Resolution)
	assert.Equal(t, "alice", resolved.Claimant.ID, "defender keeps the claim when nobody resolves in time")
}

func TestScanReconcilesLoadIndexEveryReconcileInterval(t *testing.T) {
	d, h := newDriver(t, nil)
	d.reconcileEvery = 3
	_, err := h.Mgr.Claim(context.Background(), "issue-1", claimtypes.Claimant{ID: "bob", Kind: claimtypes.ClaimantAgent}, claimtypes.PriorityMedium, nil)
	require.NoError(t, err)

	// Manually desync the index from the store to detect a reconcile.
	h.Load.OnClaimOpened("bob")
	before := h.Load.AgentLoad("bob").Counters.Active
	require.Equal(t, 2, before)

	d.Scan(context.Background())
	d.Scan(context.Background())
	assert.Equal(t, 2, h.Load.AgentLoad("bob").Counters.Active, "reconcile should not have run yet")

	d.Scan(context.Background())
	assert.Equal(t, 1, h.Load.AgentLoad("bob").Counters.Active, "third scan reconciles the drift away")
}

func TestNewDefaultsTickToOneSecond(t *testing.T) {
	d, _ := newDriver(t, nil)
	d.tick = 0
	rebuilt := New(d.Store, d.Manager, d.Steal, d.Load, d.Clock, d.Cfg, 0)
	assert.Equal(t, time.Second, rebuilt.tick)
}
