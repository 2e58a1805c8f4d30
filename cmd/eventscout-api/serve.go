package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/auth"
	"github.com/arachnova/eventscout/internal/config"
	"github.com/arachnova/eventscout/internal/database"
	"github.com/arachnova/eventscout/internal/extraction"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/llm"
	"github.com/arachnova/eventscout/internal/logging"
	"github.com/arachnova/eventscout/internal/pipeline"
	"github.com/arachnova/eventscout/internal/remotesync"
	"github.com/arachnova/eventscout/internal/server"
	"github.com/arachnova/eventscout/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("ledger"),
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	registry := telemetry.NewRegistry(telemetry.RegistryConfig{
		GracePeriod: appConfig.Telemetry.GracePeriod,
		MaxPending:  appConfig.Telemetry.MaxPending,
		Logger:      logger.Named("telemetry"),
	})

	extractionClient := llm.NewClient(llm.Config{
		BaseURL: appConfig.Extraction.BaseURL,
		Model:   appConfig.Extraction.Model,
		Timeout: appConfig.Extraction.Timeout,
	})
	if appConfig.Extraction.Enabled {
		reportCapability(ctx, extractionClient, logger)
	}
	engine, err := extraction.NewEngine(extraction.Config{
		Capability: extractionClient,
		Enabled:    appConfig.Extraction.Enabled,
		Logger:     logger.Named("extraction"),
	})
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Extractor: engine,
		Archive:   ledgerService,
		Publisher: registry,
		Syncer: remotesync.New(remotesync.Config{
			BaseURL: appConfig.Sync.BaseURL,
			Token:   appConfig.Sync.APIToken,
			Timeout: appConfig.Sync.Timeout,
		}),
		Logger: logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelines := pipeline.NewManager(signalCtx, runner, logger.Named("pipeline"))
	defer pipelines.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Ledger:         ledgerService,
		Telemetry:      registry,
		Pipelines:      pipelines,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("extraction_enabled", appConfig.Extraction.Enabled),
			zap.Bool("sync_enabled", appConfig.Sync.BaseURL != ""))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reportCapability logs whether the extraction model answers; extraction falls back to
// heuristics per post either way.
func reportCapability(ctx context.Context, client *llm.Client, logger *zap.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn("augmented extraction unavailable", zap.String("model", client.Model()), zap.Error(err))
		return
	}
	logger.Info("augmented extraction available", zap.String("model", client.Model()))
}
