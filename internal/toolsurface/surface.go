// Package toolsurface maps the seventeen named operations from spec §6
// onto the core components, validating every input against the
// enumerated option sets before it reaches a component and translating
// every returned sentinel error into the caller-facing ErrorKind
// vocabulary from spec §7. It is the only thing a transport binding
// (cmd/coordinator's CLI, or any future RPC server) is allowed to call
// into — components are never reached around it.
package toolsurface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/swarmguard/internal/claimmanager"
	"github.com/steveyegge/swarmguard/internal/claimstore"
	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/eventlog"
	"github.com/steveyegge/swarmguard/internal/loadindex"
	"github.com/steveyegge/swarmguard/internal/rebalancer"
	"github.com/steveyegge/swarmguard/internal/stealengine"
)

// Surface wires every operation to the components it needs.
type Surface struct {
	Manager    *claimmanager.Manager
	Steal      *stealengine.Engine
	Rebalancer *rebalancer.Rebalancer
	Load       *loadindex.Index
	Log        *eventlog.Log
	Store      *claimstore.Store
	Cfg        *config.Config

	cfgMu sync.Mutex
}

// New builds a Surface over the given wired components.
func New(mgr *claimmanager.Manager, steal *stealengine.Engine, reb *rebalancer.Rebalancer, load *loadindex.Index, log_ *eventlog.Log, store *claimstore.Store, cfg *config.Config) *Surface {
	return &Surface{Manager: mgr, Steal: steal, Rebalancer: reb, Load: load, Log: log_, Store: store, Cfg: cfg}
}

var validReasons = map[string]bool{
	"blocked": true, "expertise-needed": true, "capacity": true, "reassignment": true, "other": true,
}

// callerStatusToInternal projects the four caller-facing statuses onto
// the full internal set (SPEC_FULL's Open Question resolution): every
// other internal status is reachable only through a dedicated
// operation, never through issue_status_update.
var callerStatusToInternal = map[string]claimtypes.Status{
	"active":     claimtypes.StatusActive,
	"blocked":    claimtypes.StatusBlocked,
	"in-review":  claimtypes.StatusReviewRequested,
	"completed":  claimtypes.StatusCompleted,
}

func internalStatusToCaller(s claimtypes.Status) string {
	switch s {
	case claimtypes.StatusReviewRequested:
		return "in-review"
	case claimtypes.StatusActive, claimtypes.StatusBlocked, claimtypes.StatusCompleted:
		return string(s)
	default:
		return string(s)
	}
}

// --- issue_claim ---

type IssueClaimInput struct {
	IssueID      string
	ClaimantID   string
	ClaimantKind string
	AgentType    string
	Capabilities []string
	MaxConcurrent int
	Priority     string
	TTL          *time.Duration
}

type IssueClaimResult struct {
	ClaimID   string     `json:"claimId,omitempty"`
	Status    string     `json:"status,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueClaim(ctx context.Context, in IssueClaimInput) IssueClaimResult {
	if in.IssueID == "" || in.ClaimantID == "" {
		return IssueClaimResult{Error: validationError("issueId and claimantId are required")}
	}
	kind := claimtypes.ClaimantKind(in.ClaimantKind)
	if kind != claimtypes.ClaimantHuman && kind != claimtypes.ClaimantAgent {
		return IssueClaimResult{Error: validationError("claimantKind must be human or agent")}
	}
	priority := claimtypes.Priority(in.Priority)
	if priority == "" {
		priority = claimtypes.PriorityMedium
	}
	claimant := claimtypes.Claimant{ID: in.ClaimantID, Kind: kind, AgentType: in.AgentType, MaxConcurrentClaims: in.MaxConcurrent, Capabilities: in.Capabilities}
	claim, err := s.Manager.Claim(ctx, in.IssueID, claimant, priority, in.TTL)
	if err != nil {
		return IssueClaimResult{Error: mapError(err)}
	}
	return IssueClaimResult{ClaimID: claim.ID, Status: string(claim.Status), ClaimedAt: &claim.ClaimedAt, ExpiresAt: claim.ExpiresAt}
}

// --- issue_release ---

type IssueReleaseResult struct {
	Released   bool       `json:"released"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueRelease(ctx context.Context, issueID, claimantID, reason string) IssueReleaseResult {
	if issueID == "" || claimantID == "" {
		return IssueReleaseResult{Error: validationError("issueId and claimantId are required")}
	}
	claim, err := s.Manager.Release(ctx, issueID, claimantID, reason)
	if err != nil {
		return IssueReleaseResult{Error: mapError(err)}
	}
	at := claim.LastActivityAt
	return IssueReleaseResult{Released: true, ReleasedAt: &at}
}

// --- issue_handoff ---

type IssueHandoffInput struct {
	IssueID string
	FromID  string
	Reason  string
	ToID    string
	ToKind  string
}

type IssueHandoffResult struct {
	HandoffID string     `json:"handoffId,omitempty"`
	Status    string     `json:"status,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueHandoff(ctx context.Context, in IssueHandoffInput) IssueHandoffResult {
	if in.IssueID == "" || in.FromID == "" {
		return IssueHandoffResult{Error: validationError("issueId and fromId are required")}
	}
	if !validReasons[in.Reason] {
		return IssueHandoffResult{Error: validationError("reason must be one of blocked, expertise-needed, capacity, reassignment, other")}
	}
	toKind := claimtypes.ClaimantKind(in.ToKind)
	claim, err := s.Manager.RequestHandoff(ctx, in.IssueID, in.FromID, in.ToID, toKind, in.Reason, "")
	if err != nil {
		return IssueHandoffResult{Error: mapError(err)}
	}
	at := claim.LastActivityAt
	return IssueHandoffResult{HandoffID: claim.Handoff.HandoffID, Status: string(claim.Status), CreatedAt: &at}
}

// --- issue_status_update ---

type IssueStatusUpdateInput struct {
	IssueID    string
	ClaimantID string
	Status     string
	Progress   *int
	Notes      string
}

type IssueStatusUpdateResult struct {
	Status    string     `json:"status,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueStatusUpdate(ctx context.Context, in IssueStatusUpdateInput) IssueStatusUpdateResult {
	target, ok := callerStatusToInternal[in.Status]
	if !ok {
		return IssueStatusUpdateResult{Error: validationError("status must be one of active, blocked, in-review, completed")}
	}
	var claim *claimtypes.Claim
	var err error
	if target == claimtypes.StatusReviewRequested {
		claim, err = s.Manager.RequestReview(ctx, in.IssueID, in.ClaimantID, in.Notes)
	} else {
		claim, err = s.Manager.UpdateStatus(ctx, in.IssueID, in.ClaimantID, target, in.Notes, in.Progress)
	}
	if err != nil {
		return IssueStatusUpdateResult{Error: mapError(err)}
	}
	at := claim.LastActivityAt
	return IssueStatusUpdateResult{Status: internalStatusToCaller(claim.Status), UpdatedAt: &at}
}

// --- issue_list_available ---

// IssueListAvailableInput's priority/labels/repository filters apply
// to the issue catalogue the core doesn't own (spec §1); the caller
// is expected to have already narrowed IssueIDs to the filtered set
// before this call, so the operation only applies pagination.
type IssueListAvailableInput struct {
	IssueIDs []string
	Limit    int
	Offset   int
}

type IssueListAvailableResult struct {
	Issues []string   `json:"issues"`
	Total  int        `json:"total"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueListAvailable(in IssueListAvailableInput) IssueListAvailableResult {
	if in.Limit < 0 || in.Limit > 100 || in.Offset < 0 {
		return IssueListAvailableResult{Error: validationError("limit must be 0-100 and offset must be >= 0")}
	}
	available := s.Store.ListAvailable(in.IssueIDs)
	total := len(available)
	limit := in.Limit
	if limit == 0 {
		limit = 100
	}
	lo := in.Offset
	if lo > len(available) {
		lo = len(available)
	}
	hi := lo + limit
	if hi > len(available) {
		hi = len(available)
	}
	return IssueListAvailableResult{Issues: available[lo:hi], Total: total}
}

// --- issue_list_mine ---

type IssueListMineResult struct {
	Claims []ClaimDTO `json:"claims"`
	Total  int        `json:"total"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueListMine(claimantID, status string, limit, offset int) IssueListMineResult {
	if claimantID == "" {
		return IssueListMineResult{Error: validationError("claimantId is required")}
	}
	all := s.Store.ListByClaimant(claimantID)
	if status != "" {
		filtered := all[:0]
		for _, c := range all {
			if string(c.Status) == status {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}
	total := len(all)
	if limit <= 0 {
		limit = total
	}
	lo := offset
	if lo > len(all) {
		lo = len(all)
	}
	hi := lo + limit
	if hi > len(all) {
		hi = len(all)
	}
	out := make([]ClaimDTO, 0, hi-lo)
	for _, c := range all[lo:hi] {
		out = append(out, claimToDTO(c))
	}
	return IssueListMineResult{Claims: out, Total: total}
}

// --- issue_board ---

type IssueBoardResult struct {
	Claims []ClaimDTO     `json:"claims"`
	Counts map[string]int `json:"counts"`
	Error  *ErrorInfo     `json:"error,omitempty"`
}

func (s *Surface) IssueBoard(includeAgents, includeHumans bool, groupBy string) IssueBoardResult {
	if groupBy != "" && groupBy != "claimant" && groupBy != "priority" && groupBy != "status" {
		return IssueBoardResult{Error: validationError("groupBy must be one of claimant, priority, status")}
	}
	var claims []ClaimDTO
	counts := map[string]int{}
	for _, c := range s.Store.All() {
		if c.Status.Terminal() {
			continue
		}
		if c.Claimant.Kind == claimtypes.ClaimantAgent && !includeAgents {
			continue
		}
		if c.Claimant.Kind == claimtypes.ClaimantHuman && !includeHumans {
			continue
		}
		claims = append(claims, claimToDTO(c))
		key := groupKey(c, groupBy)
		counts[key]++
	}
	return IssueBoardResult{Claims: claims, Counts: counts}
}

func groupKey(c *claimtypes.Claim, groupBy string) string {
	switch groupBy {
	case "priority":
		return string(c.Priority)
	case "status":
		return string(c.Status)
	case "claimant":
		return c.Claimant.ID
	default:
		return string(c.Status)
	}
}

// --- issue_mark_stealable ---

type IssueMarkStealableResult struct {
	Marked   bool       `json:"marked"`
	MarkedAt *time.Time `json:"markedAt,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueMarkStealable(ctx context.Context, issueID, claimantID, reason string) IssueMarkStealableResult {
	if issueID == "" || claimantID == "" {
		return IssueMarkStealableResult{Error: validationError("issueId and claimantId are required")}
	}
	claim, err := s.Steal.MarkStealable(ctx, issueID, claimantID, reason)
	if err != nil {
		return IssueMarkStealableResult{Error: mapError(err)}
	}
	at := claim.Stealable.MarkedAt
	return IssueMarkStealableResult{Marked: true, MarkedAt: &at}
}

// --- issue_steal ---

type IssueStealInput struct {
	IssueID      string
	StealerID    string
	StealerKind  string
	AgentType    string
	Capabilities []string
	Reason       string
}

type IssueStealResult struct {
	Stolen              bool       `json:"stolen"`
	NewClaimID          string     `json:"newClaimId,omitempty"`
	PreviousClaimant    string     `json:"previousClaimant,omitempty"`
	ContestWindowMs     int64      `json:"contestWindowMs,omitempty"`
	Error               *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueSteal(ctx context.Context, in IssueStealInput) IssueStealResult {
	if in.IssueID == "" || in.StealerID == "" {
		return IssueStealResult{Error: validationError("issueId and stealerId are required")}
	}
	kind := claimtypes.ClaimantKind(in.StealerKind)
	if kind != claimtypes.ClaimantHuman && kind != claimtypes.ClaimantAgent {
		return IssueStealResult{Error: validationError("stealerKind must be human or agent")}
	}
	stealer := claimtypes.Claimant{ID: in.StealerID, Kind: kind, AgentType: in.AgentType, Capabilities: in.Capabilities}
	res, err := s.Steal.Steal(ctx, in.IssueID, stealer, in.Reason)
	if err != nil {
		return IssueStealResult{Error: mapError(err)}
	}
	return IssueStealResult{
		Stolen:           true,
		NewClaimID:       res.NewClaimID,
		PreviousClaimant: res.PreviousClaimant,
		ContestWindowMs:  int64(s.Cfg.ContestWindow / time.Millisecond),
	}
}

// --- issue_get_stealable ---

type IssueGetStealableResult struct {
	Issues []ClaimDTO `json:"issues"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueGetStealable(priority string, limit int) IssueGetStealableResult {
	var p *claimtypes.Priority
	if priority != "" {
		if !claimtypes.ValidPriority(claimtypes.Priority(priority)) {
			return IssueGetStealableResult{Error: validationError("priority must be one of critical, high, medium, low")}
		}
		pr := claimtypes.Priority(priority)
		p = &pr
	}
	claims := s.Steal.Stealable(p, limit)
	out := make([]ClaimDTO, 0, len(claims))
	for _, c := range claims {
		out = append(out, claimToDTO(c))
	}
	return IssueGetStealableResult{Issues: out}
}

// --- issue_contest_steal ---

type IssueContestStealResult struct {
	ContestID string     `json:"contestId,omitempty"`
	Status    string     `json:"status,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) IssueContestSteal(ctx context.Context, issueID, contesterID, reason string) IssueContestStealResult {
	if issueID == "" || contesterID == "" || reason == "" {
		return IssueContestStealResult{Error: validationError("issueId, contesterId, and reason are required")}
	}
	info, err := s.Steal.Contest(ctx, issueID, contesterID, reason)
	if err != nil {
		return IssueContestStealResult{Error: mapError(err)}
	}
	return IssueContestStealResult{ContestID: info.ContestID, Status: "pending"}
}

// --- agent_load_info ---

type AgentLoadInfoResult struct {
	Sample loadindex.Sample `json:"sample"`
}

func (s *Surface) AgentLoadInfo(agentID string) AgentLoadInfoResult {
	return AgentLoadInfoResult{Sample: s.Load.AgentLoad(agentID)}
}

// --- swarm_rebalance ---

type SwarmRebalanceResult struct {
	Strategy string               `json:"strategy"`
	DryRun   bool                 `json:"dryRun"`
	Moves    []rebalancer.Move    `json:"moves"`
	Skipped  []rebalancer.SkippedMove `json:"skipped,omitempty"`
	Error    *ErrorInfo           `json:"error,omitempty"`
}

func (s *Surface) SwarmRebalance(ctx context.Context, strategy string, dryRun bool) SwarmRebalanceResult {
	strat := config.RebalanceStrategy(strategy)
	if strat != "" {
		if err := config.ValidateStrategy(strat); err != nil {
			return SwarmRebalanceResult{Error: validationError("strategy must be one of round-robin, least-loaded, priority-based, capability-based")}
		}
	}
	result, err := s.Rebalancer.RunPass(ctx, strat, dryRun)
	if err != nil {
		return SwarmRebalanceResult{Error: mapError(err)}
	}
	return SwarmRebalanceResult{Strategy: string(result.Strategy), DryRun: result.DryRun, Moves: result.Applied, Skipped: result.Skipped}
}

// --- swarm_load_overview ---

type SwarmLoadOverviewResult struct {
	Counts          map[string]int     `json:"counts"`
	Samples         []loadindex.Sample `json:"samples"`
	Bottlenecks     []string           `json:"bottlenecks,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

func (s *Surface) SwarmLoadOverview(includeRecommendations bool) SwarmLoadOverviewResult {
	overview := s.Rebalancer.Overview()
	counts := map[string]int{"overloaded": 0, "underloaded": 0, "balanced": 0}
	var bottlenecks, recs []string
	for _, sample := range overview.Samples {
		switch {
		case sample.Overloaded:
			counts["overloaded"]++
			bottlenecks = append(bottlenecks, sample.ClaimantID)
		case sample.Underloaded:
			counts["underloaded"]++
		default:
			counts["balanced"]++
		}
	}
	if includeRecommendations && overview.Spread >= s.Cfg.RebalanceSpread {
		recs = append(recs, fmt.Sprintf("spread %d%% exceeds trigger %d%%: run swarm_rebalance", overview.Spread, s.Cfg.RebalanceSpread))
	}
	return SwarmLoadOverviewResult{Counts: counts, Samples: overview.Samples, Bottlenecks: bottlenecks, Recommendations: recs}
}

// --- claim_history ---

type ClaimHistoryResult struct {
	Events []EventDTO `json:"events"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

func (s *Surface) ClaimHistory(issueID string, limit int) ClaimHistoryResult {
	if issueID == "" {
		return ClaimHistoryResult{Error: validationError("issueId is required")}
	}
	events := s.Log.ByIssue(issueID, limit)
	out := make([]EventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToDTO(ev))
	}
	return ClaimHistoryResult{Events: out}
}

// --- claim_metrics ---

var validTimeRanges = map[string]time.Duration{
	"1h": time.Hour, "24h": 24 * time.Hour, "7d": 7 * 24 * time.Hour, "30d": 30 * 24 * time.Hour, "all": 0,
}

type ClaimMetricsResult struct {
	CountsByStatus   map[string]int     `json:"countsByStatus"`
	CountsByPriority map[string]int     `json:"countsByPriority"`
	AvgDuration      time.Duration      `json:"avgDuration"`
	Error            *ErrorInfo         `json:"error,omitempty"`
}

func (s *Surface) ClaimMetrics(timeRange string, now time.Time) ClaimMetricsResult {
	window, ok := validTimeRanges[timeRange]
	if !ok {
		return ClaimMetricsResult{Error: validationError("timeRange must be one of 1h, 24h, 7d, 30d, all")}
	}
	byStatus := map[string]int{}
	byPriority := map[string]int{}
	var totalDuration time.Duration
	var completedCount int
	for _, c := range s.Store.All() {
		if window > 0 && now.Sub(c.ClaimedAt) > window {
			continue
		}
		byStatus[string(c.Status)]++
		byPriority[string(c.Priority)]++
		if c.Status == claimtypes.StatusCompleted {
			completedCount++
			totalDuration += c.LastActivityAt.Sub(c.ClaimedAt)
		}
	}
	var avg time.Duration
	if completedCount > 0 {
		avg = totalDuration / time.Duration(completedCount)
	}
	return ClaimMetricsResult{CountsByStatus: byStatus, CountsByPriority: byPriority, AvgDuration: avg}
}

// --- claim_config ---

type ClaimConfigResult struct {
	Config  map[string]any `json:"config"`
	Changed map[string]any `json:"changed,omitempty"`
	Error   *ErrorInfo     `json:"error,omitempty"`
}

func (s *Surface) ClaimConfig(action string, patch map[string]any) ClaimConfigResult {
	switch action {
	case "get":
		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		return ClaimConfigResult{Config: s.Cfg.Snapshot()}
	case "set":
		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		changed, err := s.Cfg.ApplySet(patch)
		if err != nil {
			return ClaimConfigResult{Error: mapError(err)}
		}
		return ClaimConfigResult{Config: s.Cfg.Snapshot(), Changed: changed}
	default:
		return ClaimConfigResult{Error: validationError("action must be get or set")}
	}
}

func validationError(msg string) *ErrorInfo {
	return &ErrorInfo{Kind: KindValidationError, Message: msg}
}
