// Command settlectl inspects epochs and rankings and triggers settlement by
// hand.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"donut/bootstrap"
	"donut/config"
	"donut/settlement"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate leaderboard epochs and settlement",
		SilenceUsage:  true,
	}
	root.AddCommand(epochCmd(), rankCmd(), settleCmd())
	return root
}

func loadFamily(name string) (*config.Config, config.Family, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Family{}, err
	}
	f, ok := cfg.Family(name)
	if !ok {
		return nil, config.Family{}, fmt.Errorf("unknown family %q (have %v)", name, cfg.FamilyNames())
	}
	return cfg, f, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func epochCmd() *cobra.Command {
	var family, at string
	cmd := &cobra.Command{
		Use:     "epoch",
		Short:   "Show the epoch a point in time falls in",
		Example: "settlectl epoch --family flappy-donut --at 2025-02-01T00:00:00Z",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, f, err := loadFamily(family)
			if err != nil {
				return err
			}
			t := time.Now()
			if at != "" {
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			clock := f.Clock()
			n := clock.Of(t)
			return printJSON(cmd, map[string]any{
				"family":      f.Name,
				"epoch":       n,
				"start":       clock.Start(n),
				"end":         clock.End(n),
				"settles":     settlement.TargetEpoch(f, t),
				"remainingMs": clock.Remaining(t).Milliseconds(),
			})
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "leaderboard family")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time, default now")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func rankCmd() *cobra.Command {
	var family string
	var n int64
	var payout bool
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Print the ranking of an epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, f, err := loadFamily(family)
			if err != nil {
				return err
			}
			a, err := bootstrap.Build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if n == 0 {
				n = f.Clock().Current()
			}
			ranks, err := a.Board.Ranks(cmd.Context(), f, n, payout)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"family": f.Name, "epoch": n, "ranks": ranks})
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "leaderboard family")
	cmd.Flags().Int64Var(&n, "epoch", 0, "epoch number, default current")
	cmd.Flags().BoolVar(&payout, "payout", false, "apply payout eligibility filters")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func settleCmd() *cobra.Command {
	var family string
	var n int64
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle a finished epoch",
		Long:  "Runs the same settlement the cron endpoint does. Repeating it is safe: a settled epoch is never paid twice.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, f, err := loadFamily(family)
			if err != nil {
				return err
			}
			a, err := bootstrap.Build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Dispatcher.Dispatch(cmd.Context(), f, settlement.Options{DryRun: dryRun, Epoch: n})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "leaderboard family")
	cmd.Flags().Int64Var(&n, "epoch", 0, "epoch to settle, default the previous one")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute winners without paying")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}
