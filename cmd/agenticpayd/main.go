package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenticpay/config"
	"agenticpay/consensus/quorum"
	"agenticpay/escrow"
	"agenticpay/ledger"
	"agenticpay/observability/logging"
	otelwire "agenticpay/observability/otel"
	"agenticpay/server"
	"agenticpay/server/middleware"
	"agenticpay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(server.ServiceName, cfg.Environment, logging.Options{FilePath: cfg.LogFile})
	logger.Info("starting",
		"listen", cfg.ListenAddress,
		"ledger_mode", cfg.LedgerMode,
		"ledger_rpc_url", cfg.LedgerRPCURL,
		logging.Secret("ledger_auth_token", cfg.LedgerAuthToken),
	)

	ctx := context.Background()
	shutdownTelemetry, err := otelwire.Init(ctx, otelwire.Config{
		ServiceName: server.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.Environment != "production",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store failed", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var client ledger.Client
	switch cfg.LedgerMode {
	case config.LedgerModeRPC:
		client = ledger.NewRPCClient(cfg.LedgerRPCURL, cfg.LedgerAuthToken)
	default:
		client = ledger.NewSimClient()
	}

	engine, err := quorum.NewEngine(cfg.VerifierCount, cfg.ApprovalThreshold)
	if err != nil {
		logger.Error("consensus engine init failed", "error", err)
		os.Exit(1)
	}

	executorCfg := escrow.DefaultConfig()
	executorCfg.MinConfirmations = cfg.MinConfirmations
	executorCfg.ConfirmDeadline = cfg.ConfirmDeadlineDuration()
	executor, err := escrow.NewExecutor(client, executorCfg)
	if err != nil {
		logger.Error("escrow executor init failed", "error", err)
		os.Exit(1)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: server.ServiceName}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"api": {RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
	})

	svc := server.New(logger, engine, executor, client,
		server.WithStore(store),
		server.WithObservability(obs),
		server.WithRateLimiter(limiter),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}
