package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/yuhanchang/no-look-note-taker/internal/httpapi"
	"github.com/yuhanchang/no-look-note-taker/internal/notepipe"
)

func main() {
	_ = godotenv.Load()

	logger := buildLogger()

	addr := os.Getenv("NOTEPIPE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	artifactDir := os.Getenv("NOTEPIPE_ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "./data/artifacts"
	}

	ledger, queue, err := buildStorageBackendsFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backends")
	}

	artifacts, err := notepipe.NewDirArtifactStore(artifactDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid artifact directory")
	}

	categories, err := notepipe.LoadCategoriesConfig(os.Getenv("NOTEPIPE_CATEGORIES_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load categories config")
	}

	// The credential is resolved per call: a missing key surfaces as a
	// pipeline failure on first use, not a startup failure.
	tokenProvider := notepipe.APITokenProvider(func(ctx context.Context) (string, error) {
		return os.Getenv("OPENAI_API_KEY"), nil
	})

	transcriber := notepipe.NewHTTPTranscriptionClient(notepipe.TranscriptionClientOptions{
		BaseURL:       os.Getenv("NOTEPIPE_TRANSCRIPTION_URL"),
		TokenProvider: tokenProvider,
		Model:         os.Getenv("NOTEPIPE_TRANSCRIPTION_MODEL"),
	})
	analyzer, err := notepipe.NewHTTPAnalysisClient(notepipe.AnalysisClientOptions{
		BaseURL:       os.Getenv("NOTEPIPE_ANALYSIS_URL"),
		TokenProvider: tokenProvider,
		Model:         os.Getenv("NOTEPIPE_ANALYSIS_MODEL"),
		Categories:    categories,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build analysis client")
	}

	hub := httpapi.NewHub(logger.With().Str("component", "hub").Logger())
	defer hub.Close()

	pipeline, err := notepipe.NewPipeline(notepipe.PipelineOptions{
		Ledger:      ledger,
		Artifacts:   artifacts,
		Transcriber: transcriber,
		Analyzer:    analyzer,
		Notifier:    hub,
		Logger:      logger.With().Str("component", "pipeline").Logger(),
		Timeout:     durationEnv("NOTEPIPE_PIPELINE_TIMEOUT", 5*time.Minute),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	dispatcher, err := notepipe.NewDispatcher(notepipe.DispatcherOptions{
		Queue:       queue,
		Processor:   pipeline,
		Workers:     intEnv("NOTEPIPE_WORKERS", 0),
		MaxAttempts: intEnv("NOTEPIPE_MAX_ATTEMPTS", 0),
		RetryDelay:  durationEnv("NOTEPIPE_RETRY_DELAY", 0),
		Logger:      logger.With().Str("component", "dispatcher").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dispatcher")
	}
	dispatcher.Start()
	defer dispatcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if boolEnv("NOTEPIPE_WATCH", true) {
		watcher, err := notepipe.NewWatcher(notepipe.WatcherOptions{
			BaseDir:      artifactDir,
			Queue:        queue,
			SettleWindow: durationEnv("NOTEPIPE_SETTLE_WINDOW", 0),
			Logger:       logger.With().Str("component", "watcher").Logger(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build artifact watcher")
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("artifact watcher stopped")
			}
		}()
	}

	server := httpapi.NewServerWithConfig(dispatcher, ledger, hub,
		logger.With().Str("component", "httpapi").Logger(),
		httpapi.ServerConfig{
			JWTSecret:          os.Getenv("NOTEPIPE_JWT_SECRET"),
			InternalHMACSecret: os.Getenv("NOTEPIPE_INTERNAL_HMAC_SECRET"),
			InternalMaxSkew:    durationEnv("NOTEPIPE_INTERNAL_MAX_SKEW", 5*time.Minute),
			RateLimitMax:       intEnv("NOTEPIPE_RATE_LIMIT_MAX", 0),
			RateLimitWindow:    durationEnv("NOTEPIPE_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:       int64Env("NOTEPIPE_MAX_BODY_BYTES", 0),
		})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Str("artifactDir", artifactDir).Msg("notepiped listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	if ledger != nil {
		_ = ledger.Close()
	}
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("NOTEPIPE_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "notepiped").Logger()
}

func buildStorageBackendsFromEnv() (notepipe.Ledger, notepipe.EventQueue, error) {
	ledgerDSN := strings.TrimSpace(os.Getenv("NOTEPIPE_LEDGER_DSN"))
	queueDSN := strings.TrimSpace(os.Getenv("NOTEPIPE_EVENT_QUEUE_DSN"))
	postgresDSN := strings.TrimSpace(os.Getenv("NOTEPIPE_POSTGRES_DSN"))
	if ledgerDSN == "" {
		ledgerDSN = postgresDSN
	}
	if queueDSN == "" {
		queueDSN = postgresDSN
	}
	if ledgerDSN == "" {
		ledgerDSN = "memory://"
	}
	if queueDSN == "" {
		queueDSN = "memory://"
	}

	ledger, err := notepipe.BuildLedgerFromDSN(ledgerDSN)
	if err != nil {
		return nil, nil, err
	}
	queue, err := notepipe.BuildEventQueueFromDSN(queueDSN, intEnv("NOTEPIPE_QUEUE_SIZE", 0))
	if err != nil {
		return nil, nil, err
	}
	return ledger, queue, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
