// Command coordinator is a thin outer process exposing the
// ToolSurface operations over a CLI. It never contains business
// logic — every subcommand is a direct call through
// toolsurface.Surface, matching spec §6's requirement that an outer
// process must not bypass the ToolSurface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/coordinator"
)

var (
	jsonOutput bool
	configPath string

	coord      *coordinator.Coordinator
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "swarmguard - a distributed issue-claim coordinator",
	Long:  "swarmguard coordinates claim, steal, handoff, and rebalance operations across agent and human claimants.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		coord = coordinator.New(cfg, coordinator.WithMeter(newMeter()))
		go coord.Run(rootCtx)
		go coord.RunRebalanceLoop(rootCtx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", true, "emit results as JSON")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to swarmguard.yaml (defaults to ./swarmguard.yaml)")

	rootCmd.AddCommand(
		issueClaimCmd(),
		issueReleaseCmd(),
		issueHandoffCmd(),
		issueStatusUpdateCmd(),
		issueListAvailableCmd(),
		issueListMineCmd(),
		issueBoardCmd(),
		issueMarkStealableCmd(),
		issueStealCmd(),
		issueGetStealableCmd(),
		issueContestStealCmd(),
		agentLoadInfoCmd(),
		swarmRebalanceCmd(),
		swarmLoadOverviewCmd(),
		claimHistoryCmd(),
		claimMetricsCmd(),
		claimConfigCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		os.Exit(1)
	}
}

// printResult renders any result record as JSON, the only output
// format the core operations need to support over this transport.
func printResult(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
