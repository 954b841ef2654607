package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage a connector's upstream credentials",
		Long: `Store, list, and delete the credentials a connector injects into upstream
requests. Values are encrypted in the vault and are never printed back.`,
	}

	cmd.AddCommand(newSecretSetCmd())
	cmd.AddCommand(newSecretListCmd())
	cmd.AddCommand(newSecretDeleteCmd())

	return cmd
}

// ---------- secret set ----------

func newSecretSetCmd() *cobra.Command {
	var (
		scope     string
		fromStdin bool
	)

	cmd := &cobra.Command{
		Use:   "set <connector> <name>",
		Short: "Store or rotate a secret",
		Long: `Store a secret value. Without --stdin the value is prompted for on the
terminal without echo. Writing an existing secret rotates it.`,
		Example: `  sluice secret set weather api_key --scope team:acme
  printf %s "$API_KEY" | sluice secret set weather api_key --scope team:acme --stdin`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			value, err := readSecretValue(cmd.InOrStdin(), fromStdin)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.connectors.SetSecret(ctx, owner, args[0], args[1], value)
				if err != nil {
					return err
				}
				verb := "stored"
				if st.RotatedAt != nil {
					verb = "rotated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q %s for connector %q\n", st.Name, verb, args[0])
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the value from standard input")

	return cmd
}

func readSecretValue(in io.Reader, fromStdin bool) (string, error) {
	if fromStdin {
		data, err := io.ReadAll(bufio.NewReader(in))
		if err != nil {
			return "", fmt.Errorf("read secret from stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; use --stdin to pipe the value")
	}
	fmt.Fprint(os.Stderr, "Value: ")
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return string(value), nil
}

// ---------- secret list ----------

func newSecretListCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list <connector>",
		Aliases: []string{"ls"},
		Short:   "Show which of a connector's secrets are configured",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				secrets, err := a.connectors.ListSecrets(ctx, owner, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), secrets)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-24s %-11s %s\n", "NAME", "CONFIGURED", "UPDATED")
				for _, s := range secrets {
					configured, updated := "no", "-"
					if s.Configured {
						configured = "yes"
					}
					if s.UpdatedAt != nil {
						updated = s.UpdatedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%-24s %-11s %s\n", s.Name, configured, updated)
				}
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- secret delete ----------

func newSecretDeleteCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:     "delete <connector> <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored secret",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.connectors.DeleteSecret(ctx, owner, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted from connector %q\n", args[1], args[0])
				return nil
			})
		},
	}

	scopeFlag(cmd, &scope)

	return cmd
}
