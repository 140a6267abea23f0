// Command mcp-resource-server serves an OAuth-protected MCP endpoint over
// streamable HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-resource-server/auth"
	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/ggoodman/mcp-resource-server/eventlog/redislog"
	"github.com/ggoodman/mcp-resource-server/internal/atlas"
	"github.com/ggoodman/mcp-resource-server/internal/config"
	"github.com/ggoodman/mcp-resource-server/internal/logctx"
	"github.com/ggoodman/mcp-resource-server/internal/tracing"
	"github.com/ggoodman/mcp-resource-server/mcp"
	"github.com/ggoodman/mcp-resource-server/mcpservice"
	"github.com/ggoodman/mcp-resource-server/sessions"
	"github.com/ggoodman/mcp-resource-server/sessions/memoryhost"
	"github.com/ggoodman/mcp-resource-server/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	serverName    = "Demo Server"
	serverVersion = "1.0.0"

	instructions = "Tools act on the MongoDB Atlas projects visible to the signed-in user. " +
		"Call list-clusters to discover cluster names before asking about a specific cluster."

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port     int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "mcp-resource-server",
		Short: "OAuth-protected MCP server over streamable HTTP",
		Long: `mcp-resource-server exposes MCP tools at RESOURCE_URL. Bearer tokens are
verified against the identity provider at AUTH_SERVER_URL.

Configuration is read from the environment; flags take precedence.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 3000, "listen port (overrides PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logctx.Wrap(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	var traceOut io.Writer
	if cfg.TracesStdout {
		traceOut = os.Stdout
	}
	shutdownTracing, err := tracing.Setup("mcp-resource-server", serverVersion, traceOut)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing.shutdown.fail", slog.String("err", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := eventlog.MemoryFactory(eventlog.WithMaxEventsPerStream(cfg.EventRetention))
	if cfg.RedisAddr != "" {
		store, err := redislog.NewFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("connect event log backend: %w", err)
		}
		defer store.Close()
		events = store.Factory()
		log.Info("eventlog.redis", slog.String("addr", cfg.RedisAddr))
	}

	manager := sessions.NewManager(memoryhost.New(),
		sessions.WithEventLogFactory(events),
		sessions.WithLogger(log),
		sessions.WithReconnectGrace(cfg.ReconnectGrace),
		sessions.WithRegisterer(reg),
	)

	tools := mcpservice.NewToolsContainer(
		atlas.ListClustersTool(atlas.NewClient(cfg.AtlasAPIBaseURL)),
	)
	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: serverVersion}),
		mcpservice.WithInstructions(instructions),
		mcpservice.WithToolsCapability(tools),
		mcpservice.WithLogger(log),
		mcpservice.WithRegisterer(reg),
	)

	opts := []streaminghttp.Option{
		streaminghttp.WithServerName(serverName),
		streaminghttp.WithLogger(log),
		streaminghttp.WithStateless(cfg.Stateless),
		streaminghttp.WithRegisterer(reg),
		streaminghttp.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	}
	if cfg.AuthEnabled {
		authOpts, err := authOptions(ctx, cfg, log, reg)
		if err != nil {
			return err
		}
		opts = append(opts, authOpts...)
	} else {
		log.Warn("auth.disabled")
	}

	h, err := streaminghttp.New(cfg.Resource(), manager, server, opts...)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	log.Info("server.start",
		slog.String("addr", ln.Addr().String()),
		slog.String("resource", cfg.Resource()),
		slog.Bool("auth", cfg.AuthEnabled),
		slog.Bool("stateless", cfg.Stateless),
	)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Closing sessions first ends the SSE streams that would otherwise hold
	// srv.Shutdown open until the timeout.
	if err := manager.Shutdown(sctx); err != nil {
		log.Warn("sessions.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
	}
	log.Info("server.stopped")
	return nil
}

// authOptions builds the metadata cache and token verifier for cfg.AuthMode.
func authOptions(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) ([]streaminghttp.Option, error) {
	meta, err := auth.NewMetadataCache(cfg.AuthServerURL,
		auth.WithMetadataLogger(log),
		auth.WithRegisterer(reg),
		auth.WithFetchTimeout(cfg.DiscoveryTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("configure identity provider: %w", err)
	}

	var authenticator auth.Authenticator
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		authenticator = auth.NewJWTAuthenticator(ctx, meta,
			auth.WithAudience(cfg.Resource()),
			auth.WithAllowedAlgs(cfg.JWTAlgorithms...),
		)
	default:
		authenticator = auth.NewUserInfoAuthenticator(meta, auth.WithUserInfoLogger(log))
	}
	log.Info("auth.configured", slog.String("mode", cfg.AuthMode), slog.String("discovery_url", meta.URL()))

	return []streaminghttp.Option{
		streaminghttp.WithAuthenticator(authenticator),
		streaminghttp.WithAuthMetadata(meta),
	}, nil
}
