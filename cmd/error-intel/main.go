package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/error-intel/internal/api"
	"github.com/miradorstack/error-intel/internal/cache"
	"github.com/miradorstack/error-intel/internal/clustering"
	"github.com/miradorstack/error-intel/internal/config"
	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/normalize"
	"github.com/miradorstack/error-intel/internal/patterns"
	"github.com/miradorstack/error-intel/internal/rootcause"
	"github.com/miradorstack/error-intel/internal/services"
	"github.com/miradorstack/error-intel/internal/store"
	"github.com/miradorstack/error-intel/internal/suppression"
	"github.com/miradorstack/error-intel/internal/utils"
)

// backend is everything the components need from a record store.
type backend interface {
	clustering.Store
	patterns.Store
	rootcause.Store
	suppression.RuleStore
	services.ErrorStore
	Close() error
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting error-intel", slog.String("address", cfg.Server.Address), slog.String("storage", cfg.Storage.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			KeyPrefix:    cfg.Cache.KeyPrefix,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to in-process cache", slog.Any("error", err))
			cacheProvider = cache.NewMemoryProvider()
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	svc, err := buildService(cfg, db, cacheProvider, logger)
	if err != nil {
		logger.Error("failed to build service", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := api.NewServer(cfg.Server, services.NewGRPCService(svc, logger))
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	scanDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(scanDone)
			services.NewScheduler(svc, cfg.Scheduler.Interval, logger).Run(ctx)
		}()
	} else {
		close(scanDone)
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	select {
	case <-scanDone:
	case <-shutdownCtx.Done():
		logger.Warn("scan still running at shutdown")
	}
	logger.Info("error-intel stopped")
}

func openStore(cfg config.StorageConfig) (backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func buildService(cfg *config.Config, db backend, provider cache.Provider, logger *slog.Logger) (*services.Intelligence, error) {
	norm := normalize.New(normalize.Options{
		MaxMessageLength:  cfg.Normalizer.MaxMessageLength,
		MaxKeyFrames:      cfg.Normalizer.MaxKeyFrames,
		AppNamespaces:     cfg.Normalizer.AppNamespaces,
		FrameworkPrefixes: cfg.Normalizer.FrameworkPrefixes,
	}, logger)

	embedder := embedding.NewHashingEmbedder(embedding.HashingOptions{Dimensions: cfg.Clustering.EmbeddingDimensions}, logger)
	clusterer, err := clustering.New(db, norm, embedder, clustering.Options{
		SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
		CandidateLimit:      cfg.Clustering.CandidateLimit,
	}, logger)
	if err != nil {
		return nil, err
	}

	manager := patterns.NewManager(db, provider, patterns.Options{
		MinClusterSize:         cfg.Patterns.MinClusterSize,
		MinOccurrenceRate:      cfg.Patterns.MinOccurrenceRate,
		MergeSimilarity:        cfg.Patterns.MergeSimilarity,
		AnalysisWindow:         cfg.Patterns.AnalysisWindow,
		CorrelationWindow:      cfg.Patterns.CorrelationWindow,
		MaxCorrelationPatterns: cfg.Patterns.MaxCorrelationPatterns,
		StatsCacheTTL:          cfg.Cache.StatsTTL,
	}, logger)

	kb, err := rootcause.LoadKnowledgeBase(cfg.RootCause.KnowledgeBasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	engine, err := rootcause.NewEngine(db, kb, norm, rootcause.Options{
		RefreshAfter: cfg.RootCause.RefreshAfter,
		MaxErrors:    cfg.RootCause.MaxErrors,
	}, logger)
	if err != nil {
		return nil, err
	}

	evaluator, err := suppression.NewEvaluator(db, logger)
	if err != nil {
		return nil, err
	}

	return services.NewIntelligence(services.Dependencies{
		Clusterer:   clusterer,
		Patterns:    manager,
		RootCause:   engine,
		Suppression: evaluator,
		Errors:      db,
	}, services.Options{
		RetrainWindow: cfg.Scheduler.RetrainWindow,
		RetrainLimit:  cfg.Scheduler.RetrainLimit,
		Concurrency:   cfg.Scheduler.Concurrency,
	}, logger)
}
