package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/vault"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the secret vault master key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "genkey",
		Short: "Generate a new random vault master key",
		Long: `Generate a 32-byte master key, base64 encoded. Supply it to the server as
vault.key, SLUICE_VAULT_KEY, or through vault.key_file.

Losing the key makes every stored secret unrecoverable. Starting the server
with a different key fails once secrets exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})

	return cmd
}
