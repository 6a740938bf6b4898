// Package rebalancer implements the load-aware redistribution pass
// described in spec §4.4: classify claimants by load, and when the
// spread between the busiest and idlest exceeds the configured
// trigger, move a bounded number of claims from overloaded claimants
// to underloaded ones. A pass never bypasses the normal per-issue
// lifecycle — each move is a release-then-claim pair carrying forward
// priority and progress, the same shape AcceptHandoff uses.
package rebalancer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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

// Move describes one claim changing hands during a pass.
type Move struct {
	IssueID      string
	ClaimID      string
	FromClaimant string
	ToClaimant   string
	Priority     claimtypes.Priority
}

// SkippedMove records a candidate move that was planned but not
// applied, and why.
type SkippedMove struct {
	Move   Move
	Reason string
}

// PassResult is the outcome of one rebalance pass.
type PassResult struct {
	At       time.Time
	DryRun   bool
	Strategy config.RebalanceStrategy
	Spread   int
	Applied  []Move
	Skipped  []SkippedMove
}

// Rebalancer periodically or on demand redistributes load across
// claimants.
type Rebalancer struct {
	Store *claimstore.Store
	Log   *eventlog.Log
	Load  *loadindex.Index
	Bus   *eventbus.Bus
	Clock clock.Clock
	IDs   *idgen.Generator
	Cfg   *config.Config
	Locks *keyedmutex.Map

	mu            sync.Mutex
	lastAppliedAt time.Time
}

// New builds a Rebalancer wired to the given shared components.
func New(store *claimstore.Store, log_ *eventlog.Log, load *loadindex.Index, bus *eventbus.Bus, clk clock.Clock, ids *idgen.Generator, cfg *config.Config, locks *keyedmutex.Map) *Rebalancer {
	return &Rebalancer{
		Store: store,
		Log:   log_,
		Load:  load,
		Bus:   bus,
		Clock: clk,
		IDs:   ids,
		Cfg:   cfg,
		Locks: locks,
	}
}

func (r *Rebalancer) emit(ctx context.Context, aggregateID, issueID string, t claimtypes.EventType, payload any, causationID string) claimtypes.Event {
	now := r.Clock.Now()
	ev := claimtypes.Event{
		ID:          r.IDs.EventID(aggregateID, now),
		AggregateID: aggregateID,
		Type:        t,
		Timestamp:   now,
		Payload:     payload,
		CausationID: causationID,
	}
	appended, err := r.Log.Append(ev, issueID)
	if err != nil {
		log.Printf("rebalancer: %v", err)
		return ev
	}
	r.stampVersion(aggregateID, appended.Version)
	r.Bus.Dispatch(ctx, appended)
	return appended
}

// stampVersion keeps Claim.Version in step with the log, mirroring
// claimmanager.stampVersion. A no-op for aggregateID "swarm", which
// isn't a claim.
func (r *Rebalancer) stampVersion(aggregateID string, version int) {
	_, _ = r.Store.Update(aggregateID, func(c *claimtypes.Claim) {
		c.Version = version
	})
}

// LoadOverview is the spread snapshot swarm_load_overview reports.
type LoadOverview struct {
	Samples []loadindex.Sample
	Spread  int
}

// Overview returns the current per-claimant load snapshot and the
// spread (max percentage minus min percentage, in whole points) the
// pass threshold compares against.
func (r *Rebalancer) Overview() LoadOverview {
	samples := r.Load.Snapshot()
	if len(samples) == 0 {
		return LoadOverview{}
	}
	minPct, maxPct := samples[0].LoadPercentage, samples[0].LoadPercentage
	for _, s := range samples[1:] {
		if s.LoadPercentage < minPct {
			minPct = s.LoadPercentage
		}
		if s.LoadPercentage > maxPct {
			maxPct = s.LoadPercentage
		}
	}
	return LoadOverview{Samples: samples, Spread: int((maxPct - minPct) * 100)}
}

// RunPass executes one rebalance pass. strategy overrides the
// configured default when non-empty. dryRun plans every move but
// applies none and never advances the cooldown (invariant 7).
func (r *Rebalancer) RunPass(ctx context.Context, strategy config.RebalanceStrategy, dryRun bool) (*PassResult, error) {
	if strategy == "" {
		strategy = r.Cfg.DefaultStrategy
	}
	if err := config.ValidateStrategy(strategy); err != nil {
		return nil, fmt.Errorf("%w: %v", claimtypes.ErrValidationError, err)
	}

	now := r.Clock.Now()
	overview := r.Overview()
	result := &PassResult{At: now, DryRun: dryRun, Strategy: strategy, Spread: overview.Spread}

	if overview.Spread < r.Cfg.RebalanceSpread {
		return result, nil
	}

	if !dryRun {
		r.mu.Lock()
		last := r.lastAppliedAt
		r.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < r.Cfg.RebalanceCooldown {
			return nil, claimtypes.ErrRebalanceCooldown
		}
	}

	overloaded := r.Load.Overloaded()
	underloaded := r.Load.Underloaded()
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return result, nil
	}

	candidatesByClaimant := make([][]*claimtypes.Claim, len(overloaded))
	var g errgroup.Group
	for i, sample := range overloaded {
		i, sample := i, sample
		g.Go(func() error {
			candidatesByClaimant[i] = selectCandidates(r.Store.ListByClaimant(sample.ClaimantID), strategy)
			return nil
		})
	}
	_ = g.Wait() // selectCandidates never errors; Wait only drains the group

	targets := roundRobinTargets(underloaded)
	planned := make([]Move, 0, r.Cfg.MaxMovesPerRebalance)
	for i := range overloaded {
		for _, c := range candidatesByClaimant[i] {
			if len(planned) >= r.Cfg.MaxMovesPerRebalance {
				break
			}
			target := targets.next(c, r.Cfg.RespectCapabilities)
			if target == "" {
				continue
			}
			planned = append(planned, Move{
				IssueID:      c.IssueID,
				ClaimID:      c.ID,
				FromClaimant: c.Claimant.ID,
				ToClaimant:   target,
				Priority:     c.Priority,
			})
		}
		if len(planned) >= r.Cfg.MaxMovesPerRebalance {
			break
		}
	}

	if dryRun {
		result.Applied = planned
		return result, nil
	}

	issueIDs := make([]string, 0, len(planned))
	for _, m := range planned {
		issueIDs = append(issueIDs, m.IssueID)
	}
	unlock := r.Locks.LockMany(issueIDs)
	defer unlock()

	for _, m := range planned {
		if err := r.apply(ctx, m); err != nil {
			result.Skipped = append(result.Skipped, SkippedMove{Move: m, Reason: err.Error()})
			continue
		}
		result.Applied = append(result.Applied, m)
	}

	if len(result.Applied) > 0 {
		r.mu.Lock()
		r.lastAppliedAt = now
		r.mu.Unlock()
		r.emit(ctx, "swarm", "", claimtypes.EventSwarmRebalanced, map[string]any{
			"strategy": strategy,
			"moves":    len(result.Applied),
		}, "")
	}
	return result, nil
}

// apply performs one move's release-then-claim pair. Caller must
// already hold m.IssueID's lock.
func (r *Rebalancer) apply(ctx context.Context, m Move) error {
	claimID := r.Store.ActiveClaimForIssue(m.IssueID)
	if claimID != m.ClaimID {
		return claimtypes.ErrConflict
	}
	claim := r.Store.Get(claimID)
	if claim.Progress >= r.Cfg.MinProgressToProtect {
		return claimtypes.ErrProtectedByProgress
	}

	now := r.Clock.Now()
	change := claimtypes.StatusChange{From: claim.Status, To: claimtypes.StatusReleased, At: now, Note: "rebalance", CausedBy: "system"}
	if err := r.Store.CloseClaim(claimID, claimtypes.StatusReleased, change); err != nil {
		return err
	}
	r.Load.OnClaimClosed(claim.Claimant.ID, claim.Status, false)
	releaseEv := r.emit(ctx, claimID, m.IssueID, claimtypes.EventClaimReleased, map[string]any{"cause": "rebalance"}, "")

	newClaim := &claimtypes.Claim{
		ID:             r.IDs.ClaimID(m.IssueID, m.ToClaimant, now),
		IssueID:        m.IssueID,
		Claimant:       claimtypes.Claimant{ID: m.ToClaimant},
		Status:         claimtypes.StatusActive,
		Priority:       claim.Priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		Progress:       claim.Progress,
		StatusHistory: []claimtypes.StatusChange{
			{From: "", To: claimtypes.StatusActive, At: now, CausedBy: "system", Note: "rebalanced"},
		},
		Metadata: map[string]any{},
	}
	if err := r.Store.TryOpenClaim(newClaim); err != nil {
		return err
	}
	r.Load.OnClaimOpened(m.ToClaimant)
	r.emit(ctx, newClaim.ID, m.IssueID, claimtypes.EventClaimCreated, newClaim.Clone(), releaseEv.ID)
	return nil
}

// selectCandidates orders an overloaded claimant's live claims by the
// move-selection strategy and returns them most-movable first.
// priority-based moves lowest-priority work first; every other
// strategy moves oldest-first. Targets are chosen the same way for all
// strategies (see targetRing), and no strategy matches capabilities.
func selectCandidates(claims []*claimtypes.Claim, strategy config.RebalanceStrategy) []*claimtypes.Claim {
	live := make([]*claimtypes.Claim, 0, len(claims))
	for _, c := range claims {
		if c.Status == claimtypes.StatusActive || c.Status == claimtypes.StatusPaused {
			live = append(live, c)
		}
	}
	switch strategy {
	case config.StrategyPriorityBased:
		sort.Slice(live, func(i, j int) bool {
			if live[i].Priority.Rank() != live[j].Priority.Rank() {
				return live[i].Priority.Rank() > live[j].Priority.Rank()
			}
			return live[i].ClaimedAt.Before(live[j].ClaimedAt)
		})
	default:
		sort.Slice(live, func(i, j int) bool { return live[i].ClaimedAt.Before(live[j].ClaimedAt) })
	}
	return live
}

// targetRing hands out underloaded claimants in round-robin order,
// skipping the candidate's own claimant. It does not filter by
// capability.
type targetRing struct {
	samples []loadindex.Sample
	cursor  int
}

func roundRobinTargets(underloaded []loadindex.Sample) *targetRing {
	samples := append([]loadindex.Sample(nil), underloaded...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].ClaimantID < samples[j].ClaimantID })
	return &targetRing{samples: samples}
}

func (t *targetRing) next(candidate *claimtypes.Claim, respectCapabilities bool) string {
	if len(t.samples) == 0 {
		return ""
	}
	for tries := 0; tries < len(t.samples); tries++ {
		s := t.samples[t.cursor%len(t.samples)]
		t.cursor++
		if s.ClaimantID == candidate.Claimant.ID {
			continue
		}
		if respectCapabilities {
			// The LoadIndex doesn't carry capability metadata (spec §4.6's
			// sample is load-only), so respectCapabilities changes nothing:
			// any underloaded claimant other than the source is accepted.
		}
		return s.ClaimantID
	}
	return ""
}
