package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/invoicer/internal/clients/llm/fallback"
	"github.com/bobmcallan/invoicer/internal/clients/llm/gemini"
	"github.com/bobmcallan/invoicer/internal/clients/ocr"
	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/dispatcher"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/bobmcallan/invoicer/internal/lifecycle"
	"github.com/bobmcallan/invoicer/internal/orchestration"
	"github.com/bobmcallan/invoicer/internal/ratelimit"
	"github.com/bobmcallan/invoicer/internal/retention"
	"github.com/bobmcallan/invoicer/internal/server"
	"github.com/bobmcallan/invoicer/internal/storage/blobstore"
	"github.com/bobmcallan/invoicer/internal/storage/surrealdb"
)

func main() {
	configPath := os.Getenv("INVOICER_CONFIG")
	if configPath == "" {
		configPath = "config/invoicer-service.toml"
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner(config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storageManager, err := surrealdb.NewManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize SurrealDB storage")
	}
	defer storageManager.Close()

	blobGateway, err := blobstore.NewS3Store(ctx, logger, config.Blob)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	primaryLLM, err := gemini.NewClient(ctx, config.Clients.Gemini.APIKey,
		gemini.WithModel(config.Clients.Gemini.Model),
		gemini.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize Gemini client")
	}

	fallbackLLM := fallback.NewClient(
		config.Clients.Fallback.BaseURL,
		config.Clients.Fallback.APIKey,
		config.Clients.Fallback.Model,
		fallback.WithLogger(logger),
		fallback.WithTimeout(config.Clients.Fallback.GetTimeout()),
	)

	ocrClient := ocr.NewClient(
		config.Clients.OCR.BaseURL,
		config.Clients.OCR.APIKey,
		ocr.WithLogger(logger),
		ocr.WithTimeout(config.Clients.OCR.GetTimeout()),
		ocr.WithRateLimit(config.Clients.OCR.RateLimit),
	)

	clock := common.SystemClock{}
	workerID := common.WorkerID()

	engine := lifecycle.New(
		storageManager.JobStore(),
		blobGateway,
		ocrClient,
		primaryLLM,
		fallbackLLM,
		clock,
		logger,
		workerID,
		config.Lifecycle,
		config.Clients.OCR,
		config.Clients.Gemini.PromptVersion,
	)

	dispatch := dispatcher.New(config.Dispatch, engine, logger)

	limiter := ratelimit.New(storageManager.RateLimitStore(), clock, logger, config.RateLimit)

	var taskDispatcher interfaces.TaskDispatcher = dispatch
	orch := orchestration.New(
		storageManager.JobStore(),
		blobGateway,
		taskDispatcher,
		limiter,
		clock,
		logger,
		config.Intake,
		config.Lifecycle,
	)

	sweeper := retention.New(storageManager.JobStore(), orch, clock, logger, config.Retention)

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	go sweeper.Run(retentionCtx)

	var orchestrator interfaces.Orchestrator = orch
	srv := server.NewServer(config, logger, clock, orchestrator, engine)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Bool("emulation", config.Dispatch.EmulationEnabled).
		Msg("invoicer server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	stopRetention()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	logger.Info().Msg("invoicer server stopped")
}
