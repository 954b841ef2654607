package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/netguard"
	"github.com/faucetdb/sluice/internal/proxy"
	"github.com/faucetdb/sluice/internal/quota"
	"github.com/faucetdb/sluice/internal/server"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/telemetry"
	"github.com/faucetdb/sluice/internal/usage"
)

const banner = `
 ____  _    _   _ ___ ____ _____
/ ___|| |  | | | |_ _/ ___| ____|
\___ \| |  | | | || | |   |  _|
 ___) | |__| |_| || | |___| |___
|____/|_____\___/|___\____|_____|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Sluice gateway server",
		Long: `Start the HTTP server that exposes the admin API under /api/v1/admin and
proxies gateway traffic under /gw/{team|user}/{id}/{connector}/...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprint(out, banner)
	fmt.Fprintln(out)

	// 1. Store and vault. A missing or mismatched vault key stops here.
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger
	logger.Info("vault unlocked", "fingerprint", a.vault.Fingerprint())

	// 2. Admin identities
	identities, err := service.NewIdentityService(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("auth.jwt_secret: %w", err)
	}

	// 3. Rate limit counters
	var counters quota.CounterStore
	switch cfg.RateLimit.Store {
	case "redis":
		rc, err := quota.NewRedisCounter(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.KeyPrefix)
		if err != nil {
			return fmt.Errorf("connect rate limit store: %w", err)
		}
		defer rc.Close()
		counters = rc
		logger.Info("rate limit counters in redis", "prefix", cfg.RateLimit.KeyPrefix)
	default:
		counters = quota.NewMemoryCounter()
	}

	// 4. Usage recorder, drained before the store closes
	recorder := usage.NewRecorder(a.store, logger, usage.RecorderOptions{
		QueueSize: cfg.Usage.QueueSize,
		MaxTries:  cfg.Usage.MaxRetries,
	})
	defer recorder.Close()

	// 5. Gateway pipeline
	metrics := telemetry.New()
	client := netguard.NewClient(netguard.Options{AllowPrivate: cfg.Proxy.AllowPrivateNetworks})
	if cfg.Proxy.AllowPrivateNetworks {
		logger.Warn("private network upstreams are allowed")
	}
	injector := proxy.NewInjector(a.vault, a.strategies)
	gateway := proxy.New(proxy.Options{
		Resolver: a.connectors.Resolver(),
		Keys:     a.keys,
		Limiter:  quota.NewLimiter(counters),
		Quotas:   quota.NewChecker(a.store),
		Injector: injector,
		Client:   client,
		Usage:    recorder,
		Metrics:  metrics,
		Logger:   logger,
		Config: proxy.Config{
			DefaultTimeout:   cfg.Proxy.DefaultTimeout,
			MaxRequestBytes:  cfg.Proxy.MaxRequestBytes,
			MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
			DefaultRateLimit: cfg.Proxy.DefaultRateLimit,
			CacheMaxEntries:  cfg.Proxy.CacheMaxEntries,
			APIKeyHeader:     cfg.Auth.APIKeyHeader,
		},
	})

	// 6. Health checker
	checker := health.NewChecker(a.store, client, injector, health.Options{
		Interval:      cfg.Health.Interval,
		Timeout:       cfg.Health.Timeout,
		SlowThreshold: cfg.Health.SlowThreshold,
		Concurrency:   cfg.Health.Concurrency,
	}, logger)
	checker.SetMetrics(metrics)

	// 7. HTTP server
	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		AdminRateLimit:  cfg.Server.AdminRateLimit,
		PublicBaseURL:   cfg.Server.PublicURL,
	}, server.Deps{
		Store:      a.store,
		Connectors: a.connectors,
		Keys:       a.keys,
		Identities: identities,
		Usage:      usage.NewAggregator(a.store),
		Health:     checker,
		Gateway:    gateway,
		Metrics:    metrics,
	}, logger)

	fmt.Fprintf(out, "→ Sluice %s\n", appVersion)
	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "→ Gateway:    %s\n", gatewayBaseURL(cfg))
	fmt.Fprintf(out, "→ Admin API:  http://%s:%d/api/v1/admin\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.Health.Enabled {
		g.Go(func() error { return checker.Run(gctx) })
	}
	return g.Wait()
}
