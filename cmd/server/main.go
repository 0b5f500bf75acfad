// traitlab - 72TP personality assessment server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/traitlab/internal/analysis"
	"github.com/ashureev/traitlab/internal/analyzer"
	"github.com/ashureev/traitlab/internal/api"
	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/chat"
	"github.com/ashureev/traitlab/internal/config"
	"github.com/ashureev/traitlab/internal/gateway"
	"github.com/ashureev/traitlab/internal/i18n"
	"github.com/ashureev/traitlab/internal/identity"
	"github.com/ashureev/traitlab/internal/metrics"
	"github.com/ashureev/traitlab/internal/middleware"
	"github.com/ashureev/traitlab/internal/questionbank"
	"github.com/ashureev/traitlab/internal/snapshot"
	"github.com/ashureev/traitlab/internal/store"
	"github.com/ashureev/traitlab/internal/transcript"
	"github.com/ashureev/traitlab/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreBackend, "analyzer", cfg.Analyzer.Backend)

	bank, err := questionbank.Load(cfg.QuestionsPath)
	if err != nil {
		slog.Error("Failed to load question bank", "error", err, "path", cfg.QuestionsPath)
		os.Exit(1)
	}
	if bank.OrdinalCount() != cfg.ExpectedQuestionCount {
		slog.Error("Question bank has unexpected size",
			"path", cfg.QuestionsPath,
			"count", bank.OrdinalCount(),
			"expected", cfg.ExpectedQuestionCount)
		os.Exit(1)
	}
	slog.Info("Question bank loaded", "questions", bank.OrdinalCount(), "traits", len(bank.Traits()))

	// Initialize dependencies.
	repo, snapshotSource, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "backend", cfg.StoreBackend)

	an, closeAnalyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		slog.Warn("Failed to connect to analyzer, analyses will use the fallback", "error", err)
		an = analyzer.Disabled{}
	}
	if closeAnalyzer != nil {
		defer closeAnalyzer()
	}

	transcripts, err := transcript.New(transcript.Config{
		Enabled:    cfg.Transcript.Enabled,
		Dir:        cfg.Transcript.Dir,
		QueueSize:  cfg.Transcript.QueueSize,
		GlobalFile: globalTranscriptPath(cfg.Transcript),
		MaxSizeMB:  cfg.Transcript.MaxSizeMB,
		MaxBackups: cfg.Transcript.MaxBackups,
		MaxAgeDays: cfg.Transcript.MaxAgeDays,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	// Initialize services.
	engine := assessment.NewEngine(repo, bank, cfg.DefaultLanguage, logger)
	router := chat.NewRouter(chat.Deps{
		Engine:      engine,
		Coordinator: analysis.NewCoordinator(an, cfg.Analyzer.Timeout, logger),
		Analyses:    repo,
		Offers:      chat.NewOffers(cfg.AnalysisOfferTTL),
		Catalog:     i18n.Default(),
		Transcript:  transcripts,
		Logger:      logger,
	})
	limiter := middleware.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	conns := gateway.NewConnManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, engine, router)
	chatHandler := api.NewChatHandler(baseHandler, limiter)
	healthHandler := api.NewHealthHandler(repo, cfg.StoreBackend)
	wsHandler := gateway.NewHandler(router, conns, limiter, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	r.Handle("/metrics", metrics.Handler())

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(engine, cfg.IsDevelopment()))
		healthHandler.RegisterHealth(r)
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded chat page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go limiter.Run(ctx)

	var snapshots *snapshot.Worker
	if cfg.Snapshot.Enabled && snapshotSource != nil {
		snapshots, err = snapshot.NewWorker(snapshotSource, cfg.Snapshot.Dir, cfg.Snapshot.Interval, cfg.Snapshot.Keep, logger)
		if err != nil {
			slog.Error("Failed to initialize snapshot worker", "error", err)
			os.Exit(1)
		}
		if err := snapshots.Start(ctx); err != nil {
			slog.Error("Failed to start snapshot worker", "error", err)
			os.Exit(1)
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if snapshots != nil {
		if err := snapshots.Stop(); err != nil {
			slog.Error("Failed to stop snapshot worker", "error", err)
		}
		// Final copy so the newest state survives the restart.
		if _, err := snapshots.RunOnce(shutdownCtx); err != nil {
			slog.Error("Final snapshot failed", "error", err)
		}
	}

	slog.Info("Server stopped successfully")
}

// openStore builds the configured repository. The second result is non-nil
// for backends that support snapshots.
func openStore(cfg *config.Config) (store.Repository, snapshot.Source, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		m := store.NewMemory()
		return m, m, nil
	case config.StoreFile:
		f, err := store.NewFile(cfg.FileStorePath)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, nil, nil
	case config.StoreSQLite:
		s, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newAnalyzer builds the configured analyzer. The returned close func may
// be nil.
func newAnalyzer(cfg *config.Config, logger *slog.Logger) (analyzer.Analyzer, func(), error) {
	switch cfg.Analyzer.Backend {
	case config.AnalyzerHTTP:
		slog.Info("Using HTTP analyzer", "base_url", cfg.Analyzer.BaseURL, "model", cfg.Analyzer.Model)
		return analyzer.NewHTTPClient(cfg.Analyzer.BaseURL, cfg.Analyzer.APIKey, cfg.Analyzer.Model, cfg.Analyzer.Timeout), nil, nil
	case config.AnalyzerGRPC:
		slog.Info("Attempting to connect to analyzer via gRPC", "address", cfg.Analyzer.GRPCAddr)
		client, err := analyzer.NewGrpcClient(analyzer.DefaultGrpcClientConfig(cfg.Analyzer.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		slog.Info("Analyzer disabled, analyses will use the fallback")
		return analyzer.Disabled{}, nil, nil
	}
}

func globalTranscriptPath(cfg config.TranscriptConfig) string {
	if !cfg.GlobalEnabled {
		return ""
	}
	return cfg.GlobalPath
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
