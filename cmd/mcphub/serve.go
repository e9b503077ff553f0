package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcphub/pkg/config"
	"github.com/vikashloomba/mcphub/pkg/discovery"
	mcpgateway "github.com/vikashloomba/mcphub/pkg/mcp-gateway"
	"github.com/vikashloomba/mcphub/pkg/mcpconn"
	"github.com/vikashloomba/mcphub/pkg/metrics"
	"github.com/vikashloomba/mcphub/pkg/statusapi"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Scan for instances and serve the gateway and status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	table, err := cfg.EndpointTable()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := mcpgateway.NewGateway(gatewayOptions(cfg, logger, reg))
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	prober, err := discovery.NewHTTPProber(discovery.ProberOptions{
		IdentityToken: cfg.Identity.Token,
		Timeout:       cfg.Scan.ProbeTimeout,
		Logger:        logger.Named("probe"),
	})
	if err != nil {
		return err
	}

	connOpts := &mcpconn.Options{
		ConnectTimeout: cfg.Scan.ConnectTimeout,
		RequestTimeout: cfg.Connection.RequestTimeout,
		KeepAlive:      cfg.Connection.KeepAlive,
		LogJSONRPC:     cfg.Connection.LogJSONRPC,
		OnProgress:     gw.ForwardProgress,
		Logger:         logger.Named("conn"),
	}

	scanner, err := discovery.NewScanner(discovery.ScannerOptions{
		Table:    table,
		Prober:   prober,
		Factory:  discovery.MCPHandleFactory(connOpts),
		Notifier: gw,
		Config:   cfg.ScannerConfig(),
		Logger:   logger.Named("scan"),
		Metrics:  metrics.NewDiscovery(reg),
	})
	if err != nil {
		return err
	}
	scheduler := discovery.NewScheduler(scanner, logger.Named("scheduler"))

	gw.AttachInventory(scheduler)
	gw.ServeMux().Handle("/", statusapi.New(scheduler, statusapi.Options{
		Logger:     logger.Named("status"),
		Gatherer:   reg,
		Middleware: statusMiddleware(cfg),
	}))

	logger.Info("starting mcphub",
		zap.Int("endpoints", table.Len()),
		zap.Duration("interval", cfg.Scan.Interval),
		zap.Int("miss_threshold", cfg.Scan.MissThreshold))

	scheduler.Start(ctx)
	serveErr := gw.ListenAndServe(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	logger.Info("mcphub stopped")
	return serveErr
}

func gatewayOptions(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Addr:       cfg.Gateway.Addr,
		Path:       cfg.Gateway.Path,
		Logger:     logger.Named("gateway"),
		Registerer: reg,
	}
	if a := cfg.Gateway.Auth; a.BearerToken != "" {
		opts.TokenVerifier = staticTokenVerifier(a.BearerToken, a.Scopes)
		opts.TokenOptions = bearerOptions(a)
		opts.AuthorizationServer = a.AuthorizationServer
	}
	if origins := cfg.Gateway.CORS.AllowedOrigins; len(origins) > 0 {
		opts.CORS = &cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Mcp-Session-Id"},
			AllowCredentials: true,
		}
	}
	return opts
}

// statusMiddleware protects the status API with the gateway's bearer token.
// It returns nil when no token is configured.
func statusMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	a := cfg.Gateway.Auth
	if a.BearerToken == "" {
		return nil
	}
	return auth.RequireBearerToken(staticTokenVerifier(a.BearerToken, a.Scopes), bearerOptions(a))
}

func bearerOptions(a config.AuthConfig) *auth.RequireBearerTokenOptions {
	return &auth.RequireBearerTokenOptions{
		ResourceMetadataURL: a.ResourceMetadataURL,
		Scopes:              a.Scopes,
	}
}

// staticTokenVerifier accepts exactly one shared bearer token and grants it
// every configured scope.
func staticTokenVerifier(expected string, scopes []string) auth.TokenVerifier {
	return func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Scopes: scopes, Expiration: time.Now().Add(time.Hour)}, nil
	}
}
