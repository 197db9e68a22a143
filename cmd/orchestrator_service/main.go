package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ledgerapp "github.com/muselab/genledger/internal/ledger_service/app"
	ledgerpg "github.com/muselab/genledger/internal/ledger_service/repository/postgres"
	"github.com/muselab/genledger/internal/orchestrator_service/adapters/provider"
	"github.com/muselab/genledger/internal/orchestrator_service/app"
	"github.com/muselab/genledger/internal/orchestrator_service/repository/postgres"
	transporthttp "github.com/muselab/genledger/internal/orchestrator_service/transport/http"
	"github.com/muselab/genledger/internal/platform/config"
	"github.com/muselab/genledger/internal/platform/database"
	"github.com/muselab/genledger/internal/platform/logger"
	"github.com/muselab/genledger/internal/platform/messagebroker"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "orchestrator-service"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel)
	appLogger = appLogger.With("service", serviceName)

	appLogger.Info("Orchestrator service starting...",
		"server_port", cfg.ServerPort,
		"metrics_port", cfg.MetricsPort,
		"log_level", cfg.LogLevel,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS", "url", cfg.NATSUrl)

	balanceRepo := ledgerpg.NewPgBalanceRepository(appLogger)
	transactionRepo := ledgerpg.NewPgTransactionRepository(appLogger)
	jobRepo := postgres.NewPgJobRepository(appLogger)
	deliveryRepo := postgres.NewPgWebhookDeliveryRepository(appLogger)

	ledgerService := ledgerapp.NewLedgerService(dbPool, balanceRepo, transactionRepo, appLogger)

	providerRegistry := provider.NewRegistry(
		provider.NewHarmoniaProvider(appLogger, cfg.HarmoniaBaseURL, cfg.HarmoniaAPIKey, cfg.HarmoniaCallbackSecret, nil),
		provider.NewRenderforgeProvider(appLogger, cfg.RenderforgeBaseURL, cfg.RenderforgeAPIKey, cfg.RenderforgeCallbackSecret, nil),
		provider.NewMockProvider(appLogger),
	)

	orchestrator := app.NewOrchestrator(
		dbPool,
		jobRepo,
		deliveryRepo,
		ledgerService,
		providerRegistry,
		natsClient,
		app.Config{
			CallbackBaseURL: cfg.CallbackBaseURL,
			SubmitTimeout:   time.Duration(cfg.SubmitTimeoutSeconds) * time.Second,
			PollStaleness:   time.Duration(cfg.PollStalenessSeconds) * time.Second,
			PollTimeout:     time.Duration(cfg.PollTimeoutSeconds) * time.Second,
		},
		appLogger,
	)
	appLogger.Info("Orchestrator initialized", "callback_base_url", cfg.CallbackBaseURL)

	validate := validator.New()
	operationHandler := transporthttp.NewOperationHandler(orchestrator, appLogger, validate)
	ledgerHandler := transporthttp.NewLedgerHandler(ledgerService, cfg.StartingGrantCredits, appLogger, validate)
	callbackHandler := transporthttp.NewCallbackHandler(orchestrator, appLogger)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      transporthttp.NewRouter(operationHandler, ledgerHandler, callbackHandler),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("API HTTP server starting", "address", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("API HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("API HTTP server shut down gracefully.")
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("Metrics HTTP server shut down gracefully.")
		return nil
	})

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown of servers...")

		shutdownCtx, cancelShutdownTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdownTimeout()

		var shutdownErrors error

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("metrics http shutdown: %w", err))
		} else {
			appLogger.Info("Metrics HTTP server shut down successfully.")
		}

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("API HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("api http shutdown: %w", err))
		} else {
			appLogger.Info("API HTTP server shut down successfully.")
		}

		return shutdownErrors
	})

	appLogger.Info("Orchestrator service is ready and running.")
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Service group encountered an error during run/shutdown", "error", err)
		}
	}

	appLogger.Info("Orchestrator service shut down successfully.")
}
