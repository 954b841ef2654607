package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/model"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage quota plans attached to API keys",
	}

	cmd.AddCommand(newPlanCreateCmd())
	cmd.AddCommand(newPlanListCmd())

	return cmd
}

func newPlanCreateCmd() *cobra.Command {
	var (
		scope string
		p     model.Plan
	)

	cmd := &cobra.Command{
		Use:     "create <name>",
		Short:   "Create a plan",
		Example: `  sluice plan create starter --scope team:acme --rate-limit 60 --daily-quota 10000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			p.Name = args[0]
			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.keys.CreatePlan(ctx, owner, &p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan %q created with ID %d\n", created.Name, created.ID)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	f := cmd.Flags()
	f.StringVar(&p.Description, "description", "", "Description")
	f.IntVar(&p.RateLimit, "rate-limit", 0, "Requests per window (0 uses proxy.default_rate_limit)")
	f.IntVar(&p.RateWindowSeconds, "rate-window", 60, "Rate window in seconds")
	f.IntVar(&p.Burst, "burst", 0, "Extra requests allowed above the rate limit")
	f.Int64Var(&p.DailyQuota, "daily-quota", 0, "Requests per UTC day (0 means unlimited)")
	f.Int64Var(&p.MonthlyQuota, "monthly-quota", 0, "Requests per UTC month (0 means unlimited)")
	f.Int64Var(&p.MaxRequestBytes, "max-request-bytes", 0, "Request body cap (0 uses proxy.max_request_bytes)")
	f.Int64Var(&p.MaxResponseBytes, "max-response-bytes", 0, "Response body cap (0 uses proxy.max_response_bytes)")
	f.Int64SliceVar(&p.AllowedConnectors, "connector-id", nil, "Restrict the plan to a connector ID (repeatable)")

	return cmd
}

func newPlanListCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a scope's plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				plans, err := a.keys.ListPlans(ctx, owner)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), plans)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-6s %-20s %-14s %-12s %s\n", "ID", "NAME", "RATE", "DAILY", "MONTHLY")
				for _, p := range plans {
					rate := fmt.Sprintf("%d/%ds", p.RateLimit, p.RateWindowSeconds)
					fmt.Fprintf(w, "%-6d %-20s %-14s %-12d %d\n", p.ID, p.Name, rate, p.DailyQuota, p.MonthlyQuota)
				}
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
