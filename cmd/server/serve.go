package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gasless/relayer/internal/api"
	"gasless/relayer/internal/blockchain/evm"
	"gasless/relayer/internal/config"
	"gasless/relayer/internal/database"
	"gasless/relayer/internal/metrics"
	"gasless/relayer/internal/service"
	"gasless/relayer/internal/worker"
)

func serveCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), logger)
		},
	}
}

func serve(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Starting Gasless Relayer")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.Int64("chain_id", cfg.Chain.ChainID))

	// Connect to database
	db, err := connectDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("Database connected successfully")

	// Run migrations
	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	// Connect to the chain
	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	defer dialCancel()

	client, err := evm.NewClient(dialCtx, &cfg.Chain, logger.Named("evm"))
	if err != nil {
		return err
	}
	defer client.Close()

	operator, err := evm.NewOperator(cfg.Operator.RelayerPrivateKey)
	if err != nil {
		return err
	}

	if balance, err := client.BalanceAt(dialCtx, operator.Address()); err != nil {
		logger.Warn("Failed to read relayer balance", zap.Error(err))
	} else {
		logger.Info("Relayer account loaded",
			zap.String("address", operator.Address().Hex()),
			zap.String("balance_wei", balance.String()))
	}

	// Initialize services
	m := metrics.New(prometheus.DefaultRegisterer)
	forwarderAddr := common.HexToAddress(cfg.Chain.ForwarderAddress)

	forwarder, err := evm.NewForwarder(client, forwarderAddr, logger.Named("forwarder"))
	if err != nil {
		return err
	}
	verifier := evm.NewSignatureVerifier(client.ChainID(), forwarderAddr, logger.Named("verifier"))
	fees := evm.NewFeePolicy(cfg.Fees.GasLimit, cfg.Fees.MaxFeePerGasGwei, cfg.Fees.MaxPriorityFeePerGasGwei)
	builder := evm.NewTxBuilder(forwarder, operator, client.ChainID(), fees)

	replay, err := service.NewReplayNonceAuthority(forwarder, cfg.Relay.ReplayCacheSize, logger)
	if err != nil {
		return err
	}

	allocator := service.NewNonceAllocator(
		operator.Address(),
		client,
		cfg.Relay.NonceLockTimeout,
		cfg.Relay.RecoveryListSize,
		m,
		logger,
	)
	if err := allocator.Seed(dialCtx); err != nil {
		// Reserve retries the seed
		logger.Warn("Failed to seed nonce allocator", zap.Error(err))
	}

	submitter := service.NewSubmitter(client, allocator, m, logger)
	reconciler := service.NewStatusReconciler(client, db, m, logger)
	relayService := service.NewRelayService(
		verifier,
		replay,
		allocator,
		builder,
		submitter,
		reconciler,
		db,
		cfg.Fees.GasLimit,
		m,
		logger,
	)

	logger.Info("Services initialized")

	// Initialize API handlers
	apiHandler := api.NewHandler(relayService, client, logger.Named("api"))
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	workerManager := worker.NewWorkerManager(cfg.Relay, db, reconciler, allocator, client, logger)
	workerManager.Start()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.String("relayer", operator.Address().Hex()),
		zap.String("forwarder", forwarderAddr.Hex()),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	var serveErr error
	select {
	case err := <-serverErrors:
		serveErr = fmt.Errorf("HTTP server error: %w", err)
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting relays before the workers go away
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if stats, err := allocator.Stats(shutdownCtx); err == nil && stats.InDoubt > 0 {
		logger.Warn("Exiting with unresolved in-doubt nonces",
			zap.Int("in_doubt", stats.InDoubt),
			zap.Uint64("next_nonce", stats.Next))
	}

	logger.Info("Service stopped successfully")
	return serveErr
}
