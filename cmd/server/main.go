package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seal-protocol/internal/api"
	"github.com/seal-protocol/internal/authn"
	"github.com/seal-protocol/internal/blob"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db"
	"github.com/seal-protocol/internal/notify"
	"github.com/seal-protocol/internal/sealing"
	"github.com/seal-protocol/internal/services"
	"github.com/seal-protocol/internal/tasks"
	"github.com/seal-protocol/pkg/logger"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
)

func main() {
	var cfg *config.Configuration
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.InitializeDefaultConfig()
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()
	zap.ReplaceGlobals(zapLogger)

	config.LogConfig(zapLogger)

	database, err := db.Initialize(cfg)
	if err != nil {
		zapLogger.Fatal("Failed to initialize database", zap.Error(err))
	}

	metricsCollector := metrics.NewMetricsCollector()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := authn.NewResolver(database, &cfg.Auth, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize authorization resolver", zap.Error(err))
	}

	signer, err := buildSigner(&cfg.Sealing)
	if err != nil {
		zapLogger.Fatal("Failed to initialize sealing signer", zap.Error(err))
	}

	var renderer sealing.PageRenderer
	if cfg.Sealing.RendererMode == "http" {
		renderer = sealing.NewHTTPRenderer(cfg.Sealing.RendererURL, cfg.Server.WriteTimeout)
	} else {
		renderer = sealing.NewNativeRenderer()
	}

	blobStore := blob.NewStore(database, zapLogger)
	runner := tasks.NewRunner(database, zapLogger, metricsCollector,
		cfg.Notification.PollInterval, cfg.Notification.MaxAttempts)

	sealing.NewPipeline(database, blobStore, runner, renderer, signer,
		&cfg.Sealing, zapLogger, metricsCollector)
	notify.NewDispatcher(database, runner, notify.NewSMTPMailer(&cfg.Notification),
		&cfg.Notification, zapLogger, metricsCollector)

	envelopeService := services.NewEnvelopeService(database, resolver, zapLogger, metricsCollector)

	go runner.Start(ctx)

	router := api.NewRouter(zapLogger, metricsCollector, envelopeService, resolver)
	router.SetupRoutes()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	go func() {
		if err := router.Run(":" + port); err != nil {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	zapLogger.Info("Server started", zap.String("port", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")
	cancel()

	sqlDB, err := database.DB()
	if err == nil {
		sqlDB.Close()
	}
	zapLogger.Info("Server gracefully stopped")
}

func buildSigner(cfg *config.SealingConfig) (sealing.CryptoSigner, error) {
	if cfg.SignerKeyHex != "" {
		return sealing.NewEd25519SignerFromSeed(cfg.SignerKeyHex, cfg.SignerKeyID)
	}
	return sealing.NewEd25519Signer(cfg.SignerKeyID)
}
