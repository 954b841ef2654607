package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/model"
)

func newConnectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connector",
		Aliases: []string{"conn"},
		Short:   "Manage connectors",
		Long:    "Register upstream APIs as connectors and move them through draft, published, and archived.",
	}

	cmd.AddCommand(newConnectorCreateCmd())
	cmd.AddCommand(newConnectorListCmd())
	for _, t := range []struct{ use, short string }{
		{"publish", "Publish a draft connector"},
		{"unpublish", "Return a published connector to draft"},
		{"archive", "Archive a connector permanently"},
	} {
		cmd.AddCommand(newConnectorTransitionCmd(t.use, t.short))
	}

	return cmd
}

// ---------- connector create ----------

func newConnectorCreateCmd() *cobra.Command {
	var (
		scope string
		c     model.Connector
		vis   string
	)

	cmd := &cobra.Command{
		Use:   "create <slug>",
		Short: "Register a new draft connector",
		Example: `  sluice connector create weather --scope team:acme \
    --base-url https://api.weather.example --auth-type query \
    --auth-param appid --auth-secret api_key`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			c.Slug = args[0]
			c.Visibility = model.Visibility(vis)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.connectors.Create(ctx, owner, &c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connector %q created (draft, version %d)\n", created.Slug, created.Version)
				fmt.Fprintln(cmd.OutOrStdout(), "Add endpoints with 'sluice endpoint add', then 'sluice connector publish'.")
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	f := cmd.Flags()
	f.StringVar(&c.Name, "name", "", "Display name")
	f.StringVar(&c.Description, "description", "", "Description")
	f.StringVar(&c.BaseURL, "base-url", "", "Upstream base URL (required)")
	f.StringSliceVar(&c.AllowedHosts, "allowed-host", nil, "Allowed upstream host pattern (repeatable; default is the base URL host)")
	f.StringVar(&c.AuthType, "auth-type", model.AuthNone, "Credential strategy: none, query, header, bearer, or sigv4")
	f.StringVar(&c.Auth.Secret, "auth-secret", "", "Secret name for query, header, and bearer strategies")
	f.StringVar(&c.Auth.Param, "auth-param", "", "Query parameter for the query strategy")
	f.StringVar(&c.Auth.Header, "auth-header", "", "Header for the header strategy")
	f.StringVar(&c.Auth.Prefix, "auth-prefix", "", "Value prefix for the header strategy")
	f.StringVar(&c.Auth.Region, "region", "", "AWS region for sigv4")
	f.StringVar(&c.Auth.Service, "service", "", "AWS service for sigv4")
	f.StringSliceVar(&c.SecretRefs, "secret", nil, "Additional declared secret name (repeatable)")
	f.StringVar(&c.HealthCheckPath, "health-path", "", "Path probed by the health checker")
	f.StringVar(&vis, "visibility", string(model.VisibilityPrivate), "private or public")
	cmd.MarkFlagRequired("base-url")

	return cmd
}

// ---------- connector list ----------

func newConnectorListCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a scope's connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conns, err := a.connectors.List(ctx, owner)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), conns)
				}
				printConnectors(cmd.OutOrStdout(), conns)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printConnectors(w io.Writer, conns []*model.Connector) {
	if len(conns) == 0 {
		fmt.Fprintln(w, "No connectors. Use 'sluice connector create' to register one.")
		return
	}
	fmt.Fprintf(w, "%-20s %-10s %-8s %-8s %s\n", "SLUG", "STATUS", "VERSION", "AUTH", "BASE URL")
	fmt.Fprintf(w, "%-20s %-10s %-8s %-8s %s\n", "----", "------", "-------", "----", "--------")
	for _, c := range conns {
		fmt.Fprintf(w, "%-20s %-10s %-8d %-8s %s\n", c.Slug, c.Status, c.Version, c.AuthType, c.BaseURL)
	}
}

// ---------- connector publish|unpublish|archive ----------

func newConnectorTransitionCmd(use, short string) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   use + " <slug>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					c   *model.Connector
					err error
				)
				switch use {
				case "publish":
					c, err = a.connectors.Publish(ctx, owner, args[0])
				case "unpublish":
					c, err = a.connectors.Unpublish(ctx, owner, args[0])
				default:
					c, err = a.connectors.Archive(ctx, owner, args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connector %q is now %s (version %d)\n", c.Slug, c.Status, c.Version)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)

	return cmd
}

// ---------- endpoint ----------

func newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoint",
		Aliases: []string{"ep"},
		Short:   "Manage a connector's endpoints",
	}

	cmd.AddCommand(newEndpointAddCmd())
	cmd.AddCommand(newEndpointListCmd())

	return cmd
}

func newEndpointAddCmd() *cobra.Command {
	var (
		scope    string
		e        model.Endpoint
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add <connector> <METHOD> <path>",
		Short: "Add an endpoint to a connector",
		Example: `  sluice endpoint add weather GET /forecast/{city} --scope team:acme
  sluice endpoint add weather POST /alerts --upstream-path /v2/alerts --rate-limit 10`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			e.Method = strings.ToUpper(args[1])
			e.Path = args[2]
			e.Enabled = !disabled
			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.connectors.CreateEndpoint(ctx, owner, args[0], &e)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %d added: %s %s\n", created.ID, created.Method, created.Path)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	f := cmd.Flags()
	f.StringVar(&e.UpstreamPath, "upstream-path", "", "Upstream path template (default is the public path)")
	f.StringVar(&e.Summary, "summary", "", "Summary shown in the OpenAPI document")
	f.StringVar(&e.ContentType, "content-type", "", "Expected request content type")
	f.IntVar(&e.CacheTTL, "cache-ttl", 0, "Response cache TTL in seconds for GET (0 disables)")
	f.IntVar(&e.RateLimit, "rate-limit", 0, "Per-key requests per minute for this endpoint (0 means none)")
	f.IntVar(&e.TimeoutMs, "timeout-ms", 0, "Upstream timeout in milliseconds (0 uses proxy.default_timeout)")
	f.BoolVar(&disabled, "disabled", false, "Create the endpoint disabled")

	return cmd
}

func newEndpointListCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list <connector>",
		Aliases: []string{"ls"},
		Short:   "List a connector's endpoints",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				eps, err := a.connectors.ListEndpoints(ctx, owner, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), eps)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-6s %-8s %-32s %-8s %s\n", "ID", "METHOD", "PATH", "ENABLED", "UPSTREAM")
				for _, e := range eps {
					enabled := "no"
					if e.Enabled {
						enabled = "yes"
					}
					fmt.Fprintf(w, "%-6d %-8s %-32s %-8s %s\n", e.ID, e.Method, e.Path, enabled, e.Target())
				}
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
