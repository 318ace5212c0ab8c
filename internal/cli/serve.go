package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/gateway"
	"github.com/tingly-dev/tingly-relay/internal/health"
	"github.com/tingly-dev/tingly-relay/internal/kv"
	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/obs"
	"github.com/tingly-dev/tingly-relay/internal/obs/otel"
	"github.com/tingly-dev/tingly-relay/internal/record"
	"github.com/tingly-dev/tingly-relay/internal/server"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

type serveFlags struct {
	host string
	port int
}

func serveCommand(info BuildInfo) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Start the HTTP server: OpenAI- and Anthropic-compatible endpoints under
/v1 and the management API under /admin. The process runs in the foreground
until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = flags.host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = flags.port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg, info)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listen port (overrides config)")

	return cmd
}

// runServe wires the relay together and blocks until shutdown.
func runServe(cfg *config.Config, info BuildInfo) error {
	if err := obs.SetupLogging(cfg.Log); err != nil {
		return err
	}
	if verbose {
		// The -v flag outranks the config file's log level.
		logrus.SetLevel(logrus.TraceLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	providers := db.NewProviderStore(gdb)
	models := db.NewModelStore(gdb)
	logs := db.NewLogStore(gdb)
	keys := db.NewAPIKeyStore(gdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openKV(cfg)
	if store != nil {
		defer store.Close()
	}

	sink := record.NewSink(cfg.Record.Dir, record.Mode(cfg.Record.Mode), cfg.Record.Filter)
	forwarder := llmclient.NewForwarder(sink)

	probes := llmclient.NewProbePool(0, models.TargetModelForProvider)
	monitor := health.NewMonitor(cfg.Health, probes)
	go monitor.Run(ctx, activeProviders(providers))

	metrics, err := otel.NewSetup(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := metrics.Shutdown(flushCtx); err != nil {
			logrus.Warnf("metrics shutdown: %v", err)
		}
	}()

	var logSink gateway.LogRepo = logs
	if tracker := metrics.Tracker(); tracker != nil {
		logSink = otel.NewMeteredLogs(logs, tracker)
	}

	gw, err := gateway.New(gateway.Config{
		Models:            models,
		Providers:         providers,
		Logs:              logSink,
		Forwarder:         forwarder,
		Reporter:          monitor,
		KV:                store,
		ContinuationTTL:   cfg.Gateway.Continuation.TTL(),
		DefaultTimeout:    cfg.Gateway.Timeout(),
		DefaultMaxRetries: cfg.Gateway.DefaultMaxRetries,
		DefaultRetryDelay: cfg.Gateway.RetryDelay(),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Config:    cfg,
		Gateway:   gw,
		Providers: providers,
		Models:    models,
		Logs:      logs,
		Keys:      keys,
		Health:    monitor,
		Verifier:  auth.NewVerifier(keys),
		JWT:       auth.NewJWTManager(cfg.Auth.JWTSecret),
		Version:   info.Version,
	})
	if err != nil {
		return err
	}

	// Hot reload covers the log level only. Everything else (record mode,
	// health thresholds, listeners) is wired at startup and needs a restart.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		logrus.Warnf("config watcher unavailable: %v", err)
	} else {
		watcher.AddCallback(func(nc *config.Config) {
			if err := obs.SetLevel(nc.Log.Level); err != nil {
				logrus.Warnf("config reload: %v", err)
			}
		})
		if err := watcher.Start(); err != nil {
			logrus.Warnf("config watcher failed to start: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	printServeBanner(cfg, info)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-sigChan:
		logrus.Info("shutdown signal received, stopping server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer shutdownCancel()
		return srv.Stop(shutdownCtx)
	}
}

// printServeBanner tells the operator where the endpoints live.
func printServeBanner(cfg *config.Config, info BuildInfo) {
	addr := cfg.Server.Addr()
	fmt.Printf("tingly-relay %s\n", info.Version)
	fmt.Println("\nYou can access the service at:")
	fmt.Printf("  OpenAI API:    http://%s/v1/chat/completions\n", addr)
	fmt.Printf("  Responses API: http://%s/v1/responses\n", addr)
	fmt.Printf("  Anthropic API: http://%s/v1/messages\n", addr)
	fmt.Printf("  Admin API:     http://%s/admin\n", addr)
}

// openKV picks the continuation store. Nil when continuation is disabled,
// which the gateway treats as "do not park signatures".
func openKV(cfg *config.Config) kv.Store {
	if !cfg.Gateway.Continuation.Enabled {
		return nil
	}
	if cfg.KV.Backend == config.KVBackendRedis {
		r := cfg.KV.Redis
		return kv.NewRedis(r.Addr, r.Username, r.Password, r.DB)
	}
	return kv.NewMemory(time.Minute)
}

// activeProviders adapts the provider store to the health monitor's lister.
func activeProviders(providers *db.ProviderStore) health.Lister {
	return func(ctx context.Context) ([]typ.Provider, error) {
		recs, err := providers.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]typ.Provider, 0, len(recs))
		for _, p := range recs {
			out = append(out, *p)
		}
		return out, nil
	}
}
