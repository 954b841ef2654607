package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage gateway API keys",
		Long:  "Issue, list, rotate, and revoke the API keys callers present to the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		scope     string
		label     string
		conn      string
		planID    int64
		endpoints []int64
		ips       []string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Example: `  sluice key create --scope team:acme --label "mobile app"
  sluice key create --scope team:acme --connector weather --plan 1 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			req := service.IssueRequest{
				Label:            label,
				AllowedEndpoints: endpoints,
				AllowedIPs:       ips,
			}
			if planID > 0 {
				req.PlanID = &planID
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &at
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if conn != "" {
					c, err := a.connectors.Get(ctx, owner, conn)
					if err != nil {
						return err
					}
					req.ConnectorID = &c.ID
				}
				key, raw, err := a.keys.Issue(ctx, owner, req)
				if err != nil {
					return err
				}
				printIssuedKey(cmd.OutOrStdout(), "API key created:", key, raw)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	f := cmd.Flags()
	f.StringVar(&label, "label", "", "Human-readable label")
	f.StringVar(&conn, "connector", "", "Restrict the key to one connector (slug)")
	f.Int64Var(&planID, "plan", 0, "Attach a plan by ID")
	f.Int64SliceVar(&endpoints, "endpoint", nil, "Allowed endpoint ID (repeatable)")
	f.StringSliceVar(&ips, "allow-ip", nil, "Allowed caller IP or CIDR (repeatable)")
	f.DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration")

	return cmd
}

func printIssuedKey(w io.Writer, title string, key *model.APIKey, raw string) {
	fmt.Fprintln(w, title)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  ID:    %d\n", key.ID)
	fmt.Fprintf(w, "  Key:   %s\n", raw)
	if key.Label != "" {
		fmt.Fprintf(w, "  Label: %s\n", key.Label)
	}
	if key.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a scope's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				keys, err := a.keys.List(ctx, owner)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), keys)
				}
				printKeys(cmd.OutOrStdout(), keys)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeys(w io.Writer, keys []*model.APIKey) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys. Use 'sluice key create' to issue one.")
		return
	}
	fmt.Fprintf(w, "%-6s %-16s %-24s %-8s %s\n", "ID", "PREFIX", "LABEL", "STATUS", "LAST USED")
	fmt.Fprintf(w, "%-6s %-16s %-24s %-8s %s\n", "--", "------", "-----", "------", "---------")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-6d %-16s %-24s %-8s %s\n", k.ID, k.KeyPrefix, k.Label, k.Status, lastUsed)
	}
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Replace a key with a new one carrying the same bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				key, raw, err := a.keys.Rotate(ctx, owner, id)
				if err != nil {
					return err
				}
				printIssuedKey(cmd.OutOrStdout(), fmt.Sprintf("Key %d rotated. The old key is revoked.", id), key, raw)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)

	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.keys.Revoke(ctx, owner, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key %d revoked\n", id)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)

	return cmd
}

func parseKeyID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid key id %q", s)
	}
	return id, nil
}
