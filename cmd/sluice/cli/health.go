package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/netguard"
	"github.com/faucetdb/sluice/internal/proxy"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe upstreams and inspect health history",
	}

	cmd.AddCommand(newHealthCheckCmd())
	cmd.AddCommand(newHealthHistoryCmd())

	return cmd
}

func newChecker(a *app) *health.Checker {
	client := netguard.NewClient(netguard.Options{AllowPrivate: a.cfg.Proxy.AllowPrivateNetworks})
	return health.NewChecker(a.store, client, proxy.NewInjector(a.vault, a.strategies), health.Options{
		Timeout:       a.cfg.Health.Timeout,
		SlowThreshold: a.cfg.Health.SlowThreshold,
		Concurrency:   a.cfg.Health.Concurrency,
	}, a.logger)
}

// ---------- health check ----------

func newHealthCheckCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every published connector once and record the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				results, err := newChecker(a).CheckOnce(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), results)
				}
				printHealth(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- health history ----------

func newHealthHistoryCmd() *cobra.Command {
	var (
		scope      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history <connector>",
		Short: "Show recent probe results for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			limit = min(max(limit, 1), 500)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.connectors.Get(ctx, owner, args[0])
				if err != nil {
					return err
				}
				results, err := newChecker(a).History(ctx, owner, c.ID, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), results)
				}
				printHealth(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().IntVar(&limit, "limit", 50, "Number of results (1-500)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printHealth(w io.Writer, results []model.HealthCheck) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No health results. Only published connectors are probed.")
		return
	}
	fmt.Fprintf(w, "%-10s %-10s %-10s %-6s %-22s %s\n", "CONNECTOR", "STATUS", "LATENCY", "CODE", "CHECKED", "ERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%-10d %-10s %-10s %-6d %-22s %s\n",
			r.ConnectorID, r.Status, (time.Duration(r.LatencyMs) * time.Millisecond).String(),
			r.StatusCode, r.CheckedAt.UTC().Format(time.RFC3339), r.Error)
	}
}
