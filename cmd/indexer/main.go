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
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/backend"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/directory"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/sweeper"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	serveSearch := flag.Bool("search", false, "also serve the search API on server.port")
	replay := flag.Bool("replay-dead-letters", false, "re-publish dead-lettered events to their original topics")
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
	slog.Info("starting indexer service", "server_id", cfg.Index.ServerID, "backend", cfg.Store.Backend)

	if err := run(cfg, *serveSearch, *replay); err != nil {
		slog.Error("indexer service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer service stopped")
}

func run(cfg *config.Config, serveSearch, replay bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	cacheBytes, err := cfg.Store.CacheBytes()
	if err != nil {
		return err
	}
	store, err := widecol.Open(widecol.Options{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		CacheSize:  cacheBytes,
		DisableWAL: cfg.Store.DisableWAL,
		NoSync:     cfg.Store.NoSync,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	pool := widecol.NewPool(store, cfg.Store.PoolSize)

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting directory database: %w", err)
	}
	defer db.Close()
	dir := directory.New(db)
	if err := dir.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating directory: %w", err)
	}

	var queryCache *cache.QueryCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search cache invalidation disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
	}

	b, err := backend.New(ctx, cfg.Store.Backend, backend.Deps{
		Pool:    pool,
		ACL:     dir,
		Index:   cfg.Index,
		Metrics: m,
		OnChange: func(ctx context.Context) {
			if queryCache == nil {
				return
			}
			if err := queryCache.Invalidate(ctx); err != nil {
				slog.Warn("search cache invalidation failed", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting %s backend: %w", cfg.Store.Backend, err)
	}
	wc, ok := b.(*backend.WideColumnBackend)
	if !ok {
		return fmt.Errorf("backend %s has no global index", b.Name())
	}

	retry := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
	deadLetter := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter)
	defer deadLetter.Close()

	commits := consumer.New(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.MailboxCommits,
		consumer.HandleCommit(b), kafka.WithRetry(retry), kafka.WithDeadLetter(deadLetter)), "commits")
	aclChanges := consumer.New(kafka.NewConsumer(withGroup(cfg.Kafka, "acl"), cfg.Kafka.Topics.FolderACLChanges,
		consumer.HandleACLChange(wc.Global()), kafka.WithRetry(retry), kafka.WithDeadLetter(deadLetter)), "acl-changes")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return commits.Start(ctx) })
	g.Go(func() error { return aclChanges.Start(ctx) })
	g.Go(func() error {
		wc.Global().Counter().Run(ctx, cfg.Index.CounterRefreshInterval)
		return nil
	})

	if replay {
		commitsOut := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MailboxCommits)
		defer commitsOut.Close()
		aclOut := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FolderACLChanges)
		defer aclOut.Close()
		replayer := consumer.New(kafka.NewConsumer(withGroup(cfg.Kafka, "replay"), cfg.Kafka.Topics.DeadLetter,
			consumer.ReplayDeadLetters(map[string]consumer.Publisher{
				commitsOut.Topic(): commitsOut,
				aclOut.Topic():     aclOut,
			}), kafka.WithRetry(retry)), "dead-letters")
		g.Go(func() error { return replayer.Start(ctx) })
	}

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(pool, dir, sweeper.Config{
			Schedule:           cfg.Sweeper.Schedule,
			MaxRuntime:         cfg.Sweeper.MaxRuntime,
			MailboxesPerSecond: cfg.Sweeper.MailboxesPerSecond,
		}, m, wc.Mailbox(), wc.Global())
		if err != nil {
			return err
		}
		g.Go(func() error {
			sw.Run(ctx)
			return nil
		})
		slog.Info("orphan sweeper scheduled", "schedule", cfg.Sweeper.Schedule, "max_runtime", cfg.Sweeper.MaxRuntime)
	}

	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("directory", health.PingCheck(dir.Ping, 0))
		checker.Register("store", storeCheck(pool))
		if redisClient != nil {
			checker.Register("redis", health.Optional(health.PingCheck(redisClient.Ping, 0)))
		}
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"GET /health/live":  checker.LiveHandler(),
			"GET /health/ready": checker.ReadyHandler(),
		})
		defer shutdown(context.Background())
	}

	if serveSearch {
		searcher, err := b.OpenSearcher(ctx)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		handler.New(searcher, queryCache, b, cfg.Search, m).Routes(mux)
		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      middleware.Chain(mux, middleware.RequestID, middleware.Metrics(m), middleware.Timeout(cfg.Search.Timeout)),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		serve(ctx, g, server, cfg.Server.ShutdownTimeout)
	}

	slog.Info("indexer service ready, consuming from kafka",
		"commits_topic", cfg.Kafka.Topics.MailboxCommits,
		"acl_topic", cfg.Kafka.Topics.FolderACLChanges,
		"group", cfg.Kafka.ConsumerGroup,
	)
	return g.Wait()
}

func withGroup(cfg config.KafkaConfig, suffix string) config.KafkaConfig {
	cfg.ConsumerGroup += "-" + suffix
	return cfg
}

func serve(ctx context.Context, g *errgroup.Group, server *http.Server, shutdownTimeout time.Duration) {
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// storeCheck reports the store degraded while every pooled handle is busy.
func storeCheck(pool *widecol.Pool) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if pool.Available() == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "handle pool exhausted"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d handles free", pool.Available())}
	}
}
