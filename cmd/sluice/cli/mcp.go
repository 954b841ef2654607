package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	smcp "github.com/faucetdb/sluice/internal/mcp"
	"github.com/faucetdb/sluice/internal/usage"
)

func newMCPCmd() *cobra.Command {
	var (
		scope     string
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets AI agents inspect one
scope's connectors, OpenAPI documents, usage, and upstream health. All tools
are read-only. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for clients that launch it as a subprocess.

In HTTP mode, the server listens on --addr using the Streamable HTTP transport.`,
		Example: `  sluice mcp --scope team:acme                          # stdio mode
  sluice mcp --scope team:acme --transport http --addr :3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				srv := smcp.NewMCPServer(smcp.Deps{
					Connectors: a.connectors,
					Usage:      usage.NewAggregator(a.store),
					Health:     newChecker(a),
					BaseURL:    gatewayBaseURL(a.cfg),
				}, owner, appVersion, a.logger)

				switch a.cfg.MCP.Transport {
				case "http":
					return srv.ServeHTTP(a.cfg.MCP.Addr)
				case "stdio":
					return srv.ServeStdio()
				}
				return fmt.Errorf("unknown transport %q (use stdio or http)", a.cfg.MCP.Transport)
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", ":3001", "HTTP listen address (only used with --transport http)")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.addr", cmd.Flags().Lookup("addr"))

	return cmd
}
