package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/authstrategy"
	"github.com/faucetdb/sluice/internal/config"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/store"
	"github.com/faucetdb/sluice/internal/vault"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir, the
// database.data_dir setting, or ~/.sluice as fallback.
func resolveDataDir(cfg *config.Config) string {
	if dataDir != "" {
		return dataDir
	}
	if cfg.Database.DataDir != "" {
		return cfg.Database.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sluice")
}

// loadConfig decodes and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// gatewayBaseURL is the public URL under which /gw routes are reachable.
func gatewayBaseURL(cfg *config.Config) string {
	base := strings.TrimRight(cfg.Server.PublicURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return base + "/gw"
}

// app bundles the components every store-backed command needs.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	vault      *vault.Vault
	strategies *authstrategy.Registry
	connectors *connector.Service
	keys       *service.KeyService

	closeLog io.Closer
}

// openApp loads configuration, opens the store, and unlocks the vault. The
// vault key is mandatory: without it nothing starts.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}

	st, err := store.New(store.Options{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN,
		DataDir: resolveDataDir(cfg),
	})
	if err != nil {
		closeLog.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	v, err := openVault(ctx, cfg, st)
	if err != nil {
		st.Close()
		closeLog.Close()
		return nil, err
	}

	strategies := authstrategy.Default(nil)
	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		vault:      v,
		strategies: strategies,
		connectors: connector.NewService(st, v, connector.NewResolver(st), strategies, logger),
		keys:       service.NewKeyService(st, logger),
		closeLog:   closeLog,
	}, nil
}

func openVault(ctx context.Context, cfg *config.Config, st *store.Store) (*vault.Vault, error) {
	key, err := vault.LoadKey(cfg.Vault.Key, cfg.Vault.KeyFile)
	if errors.Is(err, vault.ErrNoKey) {
		return nil, fmt.Errorf("%w: set vault.key or SLUICE_VAULT_KEY (generate one with 'sluice vault genkey')", err)
	}
	if err != nil {
		return nil, err
	}
	v, err := vault.New(key, st)
	if err != nil {
		return nil, err
	}
	if err := v.Bind(ctx, st); err != nil {
		return nil, fmt.Errorf("bind vault: %w", err)
	}
	return v, nil
}

// Close releases the store and the log file.
func (a *app) Close() {
	a.store.Close()
	a.closeLog.Close()
}

// scopeFlag registers the required --scope flag ("team:<id>" or "user:<id>").
func scopeFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "scope", "", `Owner scope, "team:<id>" or "user:<id>"`)
	cmd.MarkFlagRequired("scope")
}

// parseScope accepts "team:acme", "user:bob", or "team/acme".
func parseScope(s string) (model.Scope, error) {
	s = strings.Replace(strings.TrimSpace(s), "/", ":", 1)
	scope, err := model.ParseScopeKey(s)
	if err != nil {
		return model.Scope{}, fmt.Errorf("invalid --scope %q: want team:<id> or user:<id>", s)
	}
	return scope, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain expands validation errors with their per-field messages.
func explain(err error) error {
	var ae *apierr.Error
	if !errors.As(err, &ae) || len(ae.Fields) == 0 {
		return err
	}
	names := make([]string, 0, len(ae.Fields))
	for name := range ae.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(ae.Message)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %s", name, ae.Fields[name])
	}
	return errors.New(b.String())
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return explain(fn(ctx, a))
}
