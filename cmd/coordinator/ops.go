package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/swarmguard/internal/toolsurface"
)

func issueClaimCmd() *cobra.Command {
	var claimantID, claimantKind, agentType, priority string
	var maxConcurrent int
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "issue-claim <issueId>",
		Short: "Claim an issue for a claimant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ttl *time.Duration
			if ttlSeconds > 0 {
				d := time.Duration(ttlSeconds) * time.Second
				ttl = &d
			}
			res := coord.Surface.IssueClaim(rootCtx, toolsurface.IssueClaimInput{
				IssueID:       args[0],
				ClaimantID:    claimantID,
				ClaimantKind:  claimantKind,
				AgentType:     agentType,
				MaxConcurrent: maxConcurrent,
				Priority:      priority,
				TTL:           ttl,
			})
			return printResult(res)
		},
	}
	cmd.Flags().StringVar(&claimantID, "claimant", "", "claimant id (required)")
	cmd.Flags().StringVar(&claimantKind, "kind", "agent", "claimant kind: agent|human")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "agent type, for cross-type steal rules")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority: critical|high|medium|low")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "claimant's concurrency cap override")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "claim ttl in seconds (0 = use default expiration)")
	cmd.MarkFlagRequired("claimant")
	return cmd
}

func issueReleaseCmd() *cobra.Command {
	var claimantID, reason string
	cmd := &cobra.Command{
		Use:   "issue-release <issueId>",
		Short: "Release an active claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueRelease(rootCtx, args[0], claimantID, reason))
		},
	}
	cmd.Flags().StringVar(&claimantID, "claimant", "", "claimant id (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text release reason")
	cmd.MarkFlagRequired("claimant")
	return cmd
}

func issueHandoffCmd() *cobra.Command {
	var fromID, reason, toID, toKind string
	cmd := &cobra.Command{
		Use:   "issue-handoff <issueId>",
		Short: "Request a cooperative handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueHandoff(rootCtx, toolsurface.IssueHandoffInput{
				IssueID: args[0], FromID: fromID, Reason: reason, ToID: toID, ToKind: toKind,
			}))
		},
	}
	cmd.Flags().StringVar(&fromID, "from", "", "current claimant id (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "one of blocked, expertise-needed, capacity, reassignment, other (required)")
	cmd.Flags().StringVar(&toID, "to", "", "target claimant id (empty = open handoff)")
	cmd.Flags().StringVar(&toKind, "to-kind", "", "target claimant kind: agent|human")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func issueStatusUpdateCmd() *cobra.Command {
	var claimantID, status, notes string
	var progress int
	cmd := &cobra.Command{
		Use:   "issue-status-update <issueId>",
		Short: "Update a claim's caller-facing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *int
			if cmd.Flags().Changed("progress") {
				p = &progress
			}
			return printResult(coord.Surface.IssueStatusUpdate(rootCtx, toolsurface.IssueStatusUpdateInput{
				IssueID: args[0], ClaimantID: claimantID, Status: status, Progress: p, Notes: notes,
			}))
		},
	}
	cmd.Flags().StringVar(&claimantID, "claimant", "", "claimant id (required)")
	cmd.Flags().StringVar(&status, "status", "", "one of active, blocked, in-review, completed (required)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text note")
	cmd.MarkFlagRequired("claimant")
	cmd.MarkFlagRequired("status")
	return cmd
}

func issueListAvailableCmd() *cobra.Command {
	var issueIDs []string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "issue-list-available",
		Short: "List issues with no active claim among a candidate set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueListAvailable(toolsurface.IssueListAvailableInput{
				IssueIDs: issueIDs, Limit: limit, Offset: offset,
			}))
		},
	}
	cmd.Flags().StringSliceVar(&issueIDs, "issues", nil, "candidate issue ids, pre-filtered by the caller's catalogue")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results, 0-100 (0 = 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func issueListMineCmd() *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "issue-list-mine <claimantId>",
		Short: "List a claimant's own claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueListMine(args[0], status, limit, offset))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (0 = unlimited)")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func issueBoardCmd() *cobra.Command {
	var includeAgents, includeHumans bool
	var groupBy string
	cmd := &cobra.Command{
		Use:   "issue-board",
		Short: "Show every live claim, grouped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueBoard(includeAgents, includeHumans, groupBy))
		},
	}
	cmd.Flags().BoolVar(&includeAgents, "include-agents", true, "include agent claimants")
	cmd.Flags().BoolVar(&includeHumans, "include-humans", true, "include human claimants")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "claimant|priority|status")
	return cmd
}

func issueMarkStealableCmd() *cobra.Command {
	var claimantID, reason string
	cmd := &cobra.Command{
		Use:   "issue-mark-stealable <issueId>",
		Short: "Mark an owned claim stealable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueMarkStealable(rootCtx, args[0], claimantID, reason))
		},
	}
	cmd.Flags().StringVar(&claimantID, "claimant", "", "current owner (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason")
	cmd.MarkFlagRequired("claimant")
	return cmd
}

func issueStealCmd() *cobra.Command {
	var stealerID, stealerKind, agentType, reason string
	cmd := &cobra.Command{
		Use:   "issue-steal <issueId>",
		Short: "Steal a stealable claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueSteal(rootCtx, toolsurface.IssueStealInput{
				IssueID: args[0], StealerID: stealerID, StealerKind: stealerKind, AgentType: agentType, Reason: reason,
			}))
		},
	}
	cmd.Flags().StringVar(&stealerID, "stealer", "", "claimant id stealing the issue (required)")
	cmd.Flags().StringVar(&stealerKind, "kind", "agent", "stealer kind: agent|human")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "stealer's agent type")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason")
	cmd.MarkFlagRequired("stealer")
	return cmd
}

func issueGetStealableCmd() *cobra.Command {
	var priority string
	var limit int
	cmd := &cobra.Command{
		Use:   "issue-get-stealable",
		Short: "List claims currently marked stealable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueGetStealable(priority, limit))
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "filter to one priority")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (0 = unlimited)")
	return cmd
}

func issueContestStealCmd() *cobra.Command {
	var contesterID, reason string
	cmd := &cobra.Command{
		Use:   "issue-contest-steal <issueId>",
		Short: "Contest a recent steal within its window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.IssueContestSteal(rootCtx, args[0], contesterID, reason))
		},
	}
	cmd.Flags().StringVar(&contesterID, "contester", "", "the previous claimant (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for contesting (required)")
	cmd.MarkFlagRequired("contester")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func agentLoadInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-load-info <agentId>",
		Short: "Show one claimant's current load sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.AgentLoadInfo(args[0]))
		},
	}
	return cmd
}

func swarmRebalanceCmd() *cobra.Command {
	var strategy string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "swarm-rebalance",
		Short: "Run one rebalance pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.SwarmRebalance(rootCtx, strategy, dryRun))
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "round-robin|least-loaded|priority-based|capability-based (default: configured default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "plan moves without applying them")
	return cmd
}

func swarmLoadOverviewCmd() *cobra.Command {
	var includeRecommendations bool
	cmd := &cobra.Command{
		Use:   "swarm-load-overview",
		Short: "Show per-claimant load and the current spread",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.SwarmLoadOverview(includeRecommendations))
		},
	}
	cmd.Flags().BoolVar(&includeRecommendations, "recommendations", true, "include a rebalance recommendation when spread exceeds the trigger")
	return cmd
}

func claimHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "claim-history <issueId>",
		Short: "Show an issue's ordered event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.ClaimHistory(args[0], limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max events, most recent kept (0 = unlimited)")
	return cmd
}

func claimMetricsCmd() *cobra.Command {
	var timeRange string
	cmd := &cobra.Command{
		Use:   "claim-metrics",
		Short: "Show aggregate claim counts and durations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(coord.Surface.ClaimMetrics(timeRange, coord.Clock.Now()))
		},
	}
	cmd.Flags().StringVar(&timeRange, "range", "24h", "1h|24h|7d|30d|all")
	return cmd
}

func claimConfigCmd() *cobra.Command {
	var action, setJSON string
	cmd := &cobra.Command{
		Use:   "claim-config",
		Short: "Get or set coordinator configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]any
			if action == "set" {
				if setJSON == "" {
					return fmt.Errorf("--set requires a JSON object of key/value pairs")
				}
				if err := json.Unmarshal([]byte(setJSON), &patch); err != nil {
					return fmt.Errorf("parsing --set JSON: %w", err)
				}
			}
			return printResult(coord.Surface.ClaimConfig(strings.ToLower(action), patch))
		},
	}
	cmd.Flags().StringVar(&action, "action", "get", "get|set")
	cmd.Flags().StringVar(&setJSON, "set", "", `JSON object of keys to set, e.g. '{"maxClaimsPerAgent":8}'`)
	return cmd
}
