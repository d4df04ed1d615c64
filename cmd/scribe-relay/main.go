package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/adapters/engine"
	"github.com/lumenhealth/scribe/adapters/mongostats"
	"github.com/lumenhealth/scribe/domain/repositories"
	"github.com/lumenhealth/scribe/internal/api"
	"github.com/lumenhealth/scribe/internal/auth"
	"github.com/lumenhealth/scribe/internal/config"
	"github.com/lumenhealth/scribe/internal/observability"
	"github.com/lumenhealth/scribe/internal/relay"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	var recognizer repositories.StreamingRecognizer
	switch cfg.EngineProvider {
	case "google":
		recognizer = engine.NewGoogleSpeech()
	default:
		recognizer = engine.NewDeepgram(cfg.EngineAPIKey, cfg.EngineURL, cfg.EngineModel, logger)
	}

	var archiver repositories.StatsArchiver
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		archive, err := mongostats.NewArchive(ctx, cfg.MongoURI, cfg.MongoDB, logger)
		cancel()
		if err != nil {
			logger.Fatal("stats archive unavailable", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			archive.Close(ctx)
		}()
		archiver = archive
	}

	registry := relay.NewRegistry()
	metrics := observability.NewMetrics()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Deps{
		Config:   cfg,
		Registry: registry,
		Metrics:  metrics,
		Logger:   logger,
		Supervisor: relay.Options{
			Verifier: auth.NewVerifier(cfg.JWTSecret),
			Engine:   recognizer,
			EngineConfig: repositories.EngineConfig{
				SampleRate:     cfg.SampleRate,
				Encoding:       "linear16",
				Language:       cfg.Language,
				Punctuate:      cfg.Punctuate,
				SmartFormat:    cfg.SmartFormat,
				InterimResults: true,
			},
			Archiver:  archiver,
			Registry:  registry,
			Metrics:   metrics,
			Logger:    logger,
			AuthGrace: cfg.AuthGrace,
			StopDrain: cfg.StopDrain,
		},
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("relay started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("engine", cfg.EngineProvider))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("relay is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("relay exited")
}
