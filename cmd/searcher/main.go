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

	"github.com/joho/godotenv"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/backend"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/directory"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service", "port", cfg.Server.Port, "backend", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	cacheBytes, err := cfg.Store.CacheBytes()
	if err != nil {
		slog.Error("invalid store config", "error", err)
		os.Exit(1)
	}
	store, err := widecol.Open(widecol.Options{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		CacheSize:  cacheBytes,
		DisableWAL: cfg.Store.DisableWAL,
		NoSync:     cfg.Store.NoSync,
	})
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	pool := widecol.NewPool(store, cfg.Store.PoolSize)

	db, err := database.New(cfg.Database)
	if err != nil {
		slog.Error("failed to connect directory database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	dir := directory.New(db)

	var queryCache *cache.QueryCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	b, err := backend.New(ctx, cfg.Store.Backend, backend.Deps{
		Pool:    pool,
		ACL:     dir,
		Index:   cfg.Index,
		Metrics: m,
	})
	if err != nil {
		slog.Error("failed to start backend", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	searcher, err := b.OpenSearcher(ctx)
	if err != nil {
		slog.Error("failed to open searcher", "error", err)
		os.Exit(1)
	}
	if wc, ok := b.(*backend.WideColumnBackend); ok {
		// keeps the approximate item total used for idf current
		go wc.Global().Counter().Run(ctx, cfg.Index.CounterRefreshInterval)
	}

	checker := health.NewChecker()
	checker.Register("directory", health.PingCheck(dir.Ping, time.Second))
	checker.Register("store", func(ctx context.Context) health.ComponentHealth {
		if pool.Available() == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "handle pool exhausted"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		return health.Optional(health.PingCheck(redisClient.Ping, 0))(ctx)
	})

	h := handler.New(searcher, queryCache, b, cfg.Search, m)
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	chain := middleware.Chain(mux,
		middleware.RequestID,
		middleware.CORS(middleware.DefaultCORSConfig()),
		middleware.Metrics(m),
		middleware.Timeout(cfg.Search.Timeout),
	)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer shutdownMetrics(context.Background())
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("search service stopped")
}
