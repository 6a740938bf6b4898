// Package expirydriver implements the single timer-driven scanner
// described in spec §4.8: it expires claims, auto-marks stale/blocked
// claims stealable, auto-marks the lowest-priority claim of an
// overloaded claimant stealable, and closes contest windows in favor
// of the defender. Every transition it drives goes back through the
// normal ClaimManager/StealEngine operation path — the driver never
// touches the store or event log directly.
package expirydriver

import (
	"context"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/swarmguard/internal/claimmanager"
	"github.com/steveyegge/swarmguard/internal/claimstore"
	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/clock"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/loadindex"
	"github.com/steveyegge/swarmguard/internal/stealengine"
)

// Driver wakes on a tick interval and advances every time-dependent
// claim transition.
type Driver struct {
	Store   *claimstore.Store
	Manager *claimmanager.Manager
	Steal   *stealengine.Engine
	Load    *loadindex.Index
	Clock   clock.Clock
	Cfg     *config.Config

	tick time.Duration
	sf   singleflight.Group

	reconcileEvery int
	tickCount      int
}

// New builds a Driver. tick defaults to one second when zero, matching
// spec §4.8's "at least once per second".
func New(store *claimstore.Store, mgr *claimmanager.Manager, steal *stealengine.Engine, load *loadindex.Index, clk clock.Clock, cfg *config.Config, tick time.Duration) *Driver {
	if tick <= 0 {
		tick = time.Second
	}
	return &Driver{
		Store:          store,
		Manager:        mgr,
		Steal:          steal,
		Load:           load,
		Clock:          clk,
		Cfg:            cfg,
		tick:           tick,
		reconcileEvery: 60,
	}
}

// Run blocks, scanning on every tick until ctx is canceled.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Clock.After(d.tick):
			d.Scan(ctx)
		}
	}
}

// Scan performs one pass. Concurrent callers of Scan (e.g. a manual
// trigger racing the ticker) are coalesced through singleflight so a
// burst of wakeups does one pass of work, not N.
func (d *Driver) Scan(ctx context.Context) {
	_, _, _ = d.sf.Do("scan", func() (any, error) {
		d.scanOnce(ctx)
		return nil, nil
	})
}

func (d *Driver) scanOnce(ctx context.Context) {
	now := d.Clock.Now()

	d.expireClaims(ctx, now)
	d.autoMarkStale(ctx, now)
	d.autoMarkBlocked(ctx, now)
	d.autoMarkOverloaded(ctx, now)
	d.resolveDueContests(ctx, now)
	d.Steal.SweepExpiredWindows(now)

	d.tickCount++
	if d.reconcileEvery > 0 && d.tickCount%d.reconcileEvery == 0 {
		d.Load.Reconcile(d.Store)
	}
}

func (d *Driver) expireClaims(ctx context.Context, now time.Time) {
	for _, c := range d.Store.All() {
		if c.Status.Terminal() || c.ExpiresAt == nil {
			continue
		}
		if now.Before(*c.ExpiresAt) {
			continue
		}
		if _, err := d.Manager.Expire(ctx, c.IssueID); err != nil {
			log.Printf("expirydriver: expire %s: %v", c.IssueID, err)
		}
	}
}

// autoMarkStale processes candidates in lastActivityAt ascending order
// to age out the staler work first (spec §4.3).
func (d *Driver) autoMarkStale(ctx context.Context, now time.Time) {
	candidates := d.collect(func(c *claimtypes.Claim) bool {
		if c.Status != claimtypes.StatusActive && c.Status != claimtypes.StatusPaused {
			return false
		}
		if now.Before(c.ClaimedAt.Add(d.Cfg.GracePeriod)) {
			return false
		}
		return now.Sub(c.LastActivityAt) >= d.Cfg.StaleThreshold
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt) })
	for _, c := range candidates {
		if _, err := d.Steal.AutoMarkStealable(ctx, c.IssueID, "stale"); err != nil {
			log.Printf("expirydriver: auto-mark stale %s: %v", c.IssueID, err)
		}
	}
}

func (d *Driver) autoMarkBlocked(ctx context.Context, now time.Time) {
	candidates := d.collect(func(c *claimtypes.Claim) bool {
		if c.Status != claimtypes.StatusBlocked || c.Blocked == nil {
			return false
		}
		if now.Before(c.ClaimedAt.Add(d.Cfg.GracePeriod)) {
			return false
		}
		return now.Sub(c.Blocked.BlockedAt) >= d.Cfg.BlockedThreshold
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt) })
	for _, c := range candidates {
		if _, err := d.Steal.AutoMarkStealable(ctx, c.IssueID, "blocked"); err != nil {
			log.Printf("expirydriver: auto-mark blocked %s: %v", c.IssueID, err)
		}
	}
}

// autoMarkOverloaded marks the single lowest-priority, out-of-grace
// claim of each overloaded claimant stealable, one per scan tick per
// claimant so a single overload episode doesn't strip every claim at
// once.
func (d *Driver) autoMarkOverloaded(ctx context.Context, now time.Time) {
	for _, sample := range d.Load.Overloaded() {
		claims := d.Store.ListByClaimant(sample.ClaimantID)
		var worst *claimtypes.Claim
		for _, c := range claims {
			if c.Status != claimtypes.StatusActive && c.Status != claimtypes.StatusPaused {
				continue
			}
			if now.Before(c.ClaimedAt.Add(d.Cfg.GracePeriod)) {
				continue
			}
			if worst == nil || c.Priority.Rank() > worst.Priority.Rank() {
				worst = c
			}
		}
		if worst == nil {
			continue
		}
		if _, err := d.Steal.AutoMarkStealable(ctx, worst.IssueID, "overloaded"); err != nil {
			log.Printf("expirydriver: auto-mark overloaded %s: %v", worst.IssueID, err)
		}
	}
}

func (d *Driver) resolveDueContests(ctx context.Context, now time.Time) {
	for _, contestID := range d.Steal.DueContests(now) {
		if _, err := d.Steal.ResolveContest(ctx, contestID, claimtypes.ResolutionDefender, "system"); err != nil {
			log.Printf("expirydriver: auto-resolve contest %s: %v", contestID, err)
		}
	}
}

func (d *Driver) collect(keep func(*claimtypes.Claim) bool) []*claimtypes.Claim {
	var out []*claimtypes.Claim
	for _, c := range d.Store.All() {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
