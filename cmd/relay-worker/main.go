package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaynote/relay/internal/api"
	"github.com/relaynote/relay/internal/config"
	"github.com/relaynote/relay/internal/job"
	"github.com/relaynote/relay/internal/logging"
	"github.com/relaynote/relay/internal/queue"
	"github.com/relaynote/relay/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Format:  logging.FormatJSON,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: os.Stdout,
	})
	if err != nil {
		slog.Error("logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.UploadsDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	stages, err := buildStages(cfg)
	if err != nil {
		slog.Error("stages", "error", err)
		os.Exit(1)
	}

	q := queue.New(store, stages, cfg.QueueSize, cfg.WorkDir, logger)

	if err := q.Recovery(context.Background()); err != nil {
		slog.Error("recovery", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	mux := http.NewServeMux()
	h := api.NewHandler(store, q, cfg, logger)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS),
	)

	// No read timeout: uploads are large and may come over a slow link.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("relay-worker listening", "addr", cfg.ListenAddr, "transcriber", cfg.Transcriber)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	if id := q.Active(); id != "" {
		slog.Info("waiting for active job", "job_id", id)
	}
	q.Wait()
	slog.Info("relay-worker stopped")
}

func buildStages(cfg *config.Worker) (queue.Stages, error) {
	templates, err := worker.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return queue.Stages{}, err
	}

	transcriber, err := worker.NewTranscriber(worker.TranscriberConfig{
		Engine:     cfg.Transcriber,
		PythonPath: cfg.PythonPath,
		ScriptsDir: cfg.ScriptsDir,
		Model:      cfg.WhisperModel,
		HFToken:    cfg.HFToken,
	})
	if err != nil {
		return queue.Stages{}, err
	}

	summarizer, err := worker.NewSummarizer(worker.SummarizerConfig{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.SummaryModel,
		MaxTokens: cfg.SummaryMaxTokens,
		Templates: templates,
	})
	if err != nil {
		return queue.Stages{}, err
	}

	return queue.Stages{
		Extractor:   worker.NewExtractor(cfg.FFmpegPath, cfg.FFprobePath),
		Transcriber: transcriber,
		Summarizer:  summarizer,
	}, nil
}
