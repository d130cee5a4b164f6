// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// sagemcpd is the multi-tenant MCP gateway daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sagemcp/sagemcp-sub002/internal/config"
	"github.com/sagemcp/sagemcp-sub002/internal/connector"
	"github.com/sagemcp/sagemcp-sub002/internal/gateway"
	"github.com/sagemcp/sagemcp-sub002/internal/log"
	"github.com/sagemcp/sagemcp-sub002/internal/pool"
	"github.com/sagemcp/sagemcp-sub002/internal/proc"
	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
	"github.com/sagemcp/sagemcp-sub002/internal/ratelimit"
	"github.com/sagemcp/sagemcp-sub002/internal/session"
	"github.com/sagemcp/sagemcp-sub002/internal/status"
	"github.com/sagemcp/sagemcp-sub002/pkg/httpclient"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listen     string
		connectors string
	)

	cmd := &cobra.Command{
		Use:   "sagemcpd",
		Short: "Multi-tenant MCP gateway daemon",
		Long: `sagemcpd serves MCP (Model Context Protocol) connectors to multiple
tenants over HTTP, multiplexing JSON-RPC requests onto pooled backend
handles with per-tenant rate limiting and session tracking.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvFallbacks(cmd.Flags())
			return runDaemon(cmd.Context(), configPath, listen, connectors)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sagemcp.yaml", "Path to the gateway configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&connectors, "connectors", "", "Path to the connector registry file (overrides config)")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sagemcpd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// applyEnvFallbacks fills unset flags from SAGEMCP_* environment
// variables (e.g. SAGEMCP_LISTEN for --listen), so the daemon can be
// configured without a command line.
func applyEnvFallbacks(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := "SAGEMCP_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok {
			_ = fs.Set(f.Name, v)
		}
	})
}

func runDaemon(ctx context.Context, configPath, listen, connectors string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if connectors != "" {
		cfg.ConnectorsFile = connectors
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Status persistence is optional; without it /admin/status is dark.
	var store status.Store
	var sink proc.StatusSink
	if cfg.StateDB != "" {
		sqlStore, err := status.NewSQLiteStore(cfg.StateDB)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
		sink = status.NewSink(sqlStore)
	}

	procs := proc.NewManager(proc.ManagerConfig{
		ProbeInterval:    cfg.ProbeInterval(),
		FailureThreshold: cfg.Health.FailureThreshold,
		Status:           sink,
		Logger:           logger,
	})

	httpCfg := httpclient.DefaultConfig()
	httpCfg.MaxRetries = cfg.Retry.MaxRetries
	httpCfg.BaseDelay = cfg.RetryBaseDelay()
	httpCfg.MaxDelay = cfg.RetryMaxDelay()
	httpCfg.UserAgent = "sagemcp/" + version
	outbound, err := httpclient.New(httpCfg)
	if err != nil {
		return fmt.Errorf("failed to build outbound http client: %w", err)
	}

	registry, err := connector.NewRegistry(connector.RegistryConfig{
		Path:   cfg.ConnectorsFile,
		Procs:  procs,
		HTTP:   outbound,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to load connector registry: %w", err)
	}

	backends := pool.New(pool.Config{
		Factory: registry.Backend,
		MaxSize: cfg.Pool.MaxSize,
		TTL:     cfg.PoolTTL(),
		Logger:  logger,
	})

	// Registry edits change which backends are valid; drop the pool so
	// the next request rebuilds against the new definitions.
	watcher, err := connector.NewWatcher(connector.WatcherConfig{
		Registry: registry,
		Path:     cfg.ConnectorsFile,
		OnReload: backends.InvalidateAll,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to watch connector registry: %w", err)
	}
	defer watcher.Close()

	sessions := session.NewManager(session.Config{
		TTL:       cfg.SessionTTL(),
		MaxPerKey: cfg.Session.MaxSessionsPerKey,
		Logger:    logger,
	})
	sessions.StartReaper(ctx, time.Minute)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.DefaultRPM)
	for tenant, rpm := range cfg.RateLimit.TenantRPM {
		limiter.SetTenantLimit(tenant, rpm)
	}

	srv, err := gateway.NewServer(gateway.Config{
		Addr:          cfg.Listen,
		Pool:          backends,
		Sessions:      sessions,
		Limiter:       limiter,
		Registry:      registry,
		Status:        store,
		ServerName:    "sagemcp",
		ServerVersion: version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("sagemcpd started",
		"version", version,
		"listen", cfg.Listen,
		"connectors_file", cfg.ConnectorsFile,
		"supported_versions", protocol.SupportedVersions,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Sessions drain first so in-flight transports close before their
	// pooled backends are released, then subprocesses get torn down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", log.Error(err))
	}
	sessions.Shutdown()
	backends.Shutdown()
	procs.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
