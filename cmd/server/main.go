/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the storefront server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize the logger (zap, Sentry when configured)
  3. Open the SQLite store with one attached file per shard
  4. Build the marketplace settlement client and pay-link builder
  5. Build the shop service, HTTP router and pending poller
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: config.yaml search)
  -env     Directory holding .env files (default: config/)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the pending poller
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection and flush logs

ENVIRONMENT:
  Every config key can be set as STOREFRONT_<SECTION>_<KEY>, e.g.
  STOREFRONT_LOLZ_API_TOKEN or STOREFRONT_ADMIN_IDENTITIES.

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/storefront/api"
	"github.com/warp/storefront/config"
	"github.com/warp/storefront/logger"
	"github.com/warp/storefront/settlement/lolz"
	"github.com/warp/storefront/shop"
	"github.com/warp/storefront/store/sqlite"
)

func main() {
	// Flags
	configFile := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Directory containing .env files")
	flag.Parse()

	// The logger is not configured yet, so these go to stderr.
	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "storefront"},
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Flush(2 * time.Second)

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o750); err != nil {
			logger.Fatal("Failed to create data directory", zap.Error(err))
		}
	}
	shards := make([]sqlite.Shard, 0, len(cfg.Shards))
	for _, sh := range cfg.Shards {
		shards = append(shards, sqlite.Shard{ID: shop.ShardID(sh.Name), Path: sh.Path})
	}
	store, err := sqlite.New(cfg.Database.Path, shards...)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Settlement collaborator
	settlement := lolz.New(lolz.Config{
		APIURL:  cfg.Lolz.APIURL,
		Token:   cfg.Lolz.APIToken,
		Timeout: cfg.Lolz.Timeout,
	})
	payLinks := lolz.NewPayLinks(cfg.Lolz.PayURL, cfg.Lolz.Recipient, cfg.Lolz.Currency)
	if payLinks.Recipient == "" {
		logger.Warn("lolz.recipient is empty, top-ups will have no pay link")
	}

	admins := shop.ParseAllowList(cfg.Admin.Identities)
	if admins.Len() == 0 {
		logger.Warn("admin.identities is empty, every admin action will be refused")
	}

	svc := shop.NewService(shop.Config{
		Store:      store,
		Settlement: settlement,
		PayLinks:   payLinks,
		Authorizer: admins,
		Intents: shop.IntentConfig{
			Method:             cfg.Payments.Method,
			ValidityWindow:     cfg.Payments.ValidityWindow,
			CodeLength:         cfg.Payments.CodeLength,
			ExtendedCodeLength: cfg.Payments.ExtendedCodeLength,
			CodeAttempts:       cfg.Payments.CodeAttempts,
		},
	})

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(registry)

	// Initialize handler and router
	handler := api.NewHandler(svc, metrics)
	handler.RecheckWorkers = cfg.Poller.Workers
	handler.RecheckLimit = cfg.Poller.BatchSize
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	poller := api.NewPendingPoller(svc.Reconciler, metrics)
	poller.Enabled = cfg.Poller.Enabled
	poller.Interval = cfg.Poller.Interval
	poller.Workers = cfg.Poller.Workers
	poller.BatchSize = cfg.Poller.BatchSize
	poller.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.Int("shards", len(shards)),
			zap.Int("admins", admins.Len()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(err, zap.String("phase", "shutdown"))
	}

	logger.Info("Server stopped")
}
