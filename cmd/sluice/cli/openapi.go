package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		scope  string
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "openapi <connector>",
		Short: "Generate the OpenAPI 3.1 document for a connector",
		Long: `Generate the OpenAPI document callers use to reach a connector through the
gateway. Server URLs are built from server.public_url.`,
		Example: `  sluice openapi weather --scope team:acme
  sluice openapi weather --scope team:acme --format yaml -o weather.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.connectors.Get(ctx, owner, args[0])
				if err != nil {
					return err
				}
				eps, err := a.connectors.ListEndpoints(ctx, owner, args[0])
				if err != nil {
					return err
				}
				doc, err := openapi.GenerateConnectorSpec(c, eps, gatewayBaseURL(a.cfg))
				if err != nil {
					return fmt.Errorf("generate spec: %w", err)
				}
				body, _, err := openapi.Render(doc, format)
				if err != nil {
					return err
				}

				if output == "" {
					_, err = cmd.OutOrStdout().Write(body)
					return err
				}
				if err := os.WriteFile(output, body, 0644); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "OpenAPI spec written to %s\n", output)
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}
