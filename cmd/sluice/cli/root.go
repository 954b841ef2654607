package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/sluice/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and mcp
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sluice",
		Short: "Publish third-party APIs behind one credential-holding gateway",
		Long: `Sluice: a connector gateway for third-party HTTP APIs.

Register an upstream API once as a connector, keep its credentials in an
encrypted vault, and hand callers gateway API keys instead. Every request is
authenticated, rate limited, forwarded with credentials injected, and metered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sluice.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.sluice)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVaultCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newConnectorCmd())
	cmd.AddCommand(newEndpointCmd())
	cmd.AddCommand(newSecretCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newMCPCmd())

	return cmd
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sluice")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.sluice")
	}

	config.ConfigureEnv(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional
}
