package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-docs/broker"
	"github.com/alimasry/go-collab-docs/config"
	"github.com/alimasry/go-collab-docs/coordinator"
	"github.com/alimasry/go-collab-docs/history"
	"github.com/alimasry/go-collab-docs/logging"
	"github.com/alimasry/go-collab-docs/server"
	"github.com/alimasry/go-collab-docs/service"
	"github.com/alimasry/go-collab-docs/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := config.Load(*configPath, set["config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if set["addr"] {
		cfg.Server.Addr = *addr
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// closers run in reverse order once the server has drained.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.run()

	fs, err := firestoreClient(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	docs, err := openDocuments(cfg, fs, log, &cleanup)
	if err != nil {
		return err
	}
	backend, err := openHistory(ctx, cfg, fs, &cleanup)
	if err != nil {
		return err
	}
	b, err := openBroker(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	hist := history.New(backend, log)
	coord := coordinator.New(docs, hist, log)
	svc := service.New(docs, hist, coord, log)
	hub := server.NewHub(docs, coord, b, server.Config{
		AutosaveInterval: cfg.Autosave.Interval.Duration(),
		OpsPerSecond:     cfg.Limits.OpsPerSecond,
		Burst:            cfg.Limits.Burst,
	}, log)
	coord.SetLive(hub)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(hub, svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("documents", cfg.Storage.Documents),
			zap.String("history", cfg.Storage.History),
			zap.String("broker", cfg.Broker.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func firestoreClient(ctx context.Context, cfg *config.Config, cleanup *closers) (*firestore.Client, error) {
	if cfg.Storage.Documents != "firestore" && cfg.Storage.History != "firestore" {
		return nil, nil
	}
	client, err := firestore.NewClient(ctx, cfg.Storage.FirestoreProject)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	cleanup.add(func() { client.Close() })
	return client, nil
}

func openDocuments(cfg *config.Config, fs *firestore.Client, log *zap.Logger, cleanup *closers) (store.DocumentStore, error) {
	var docs store.DocumentStore
	switch cfg.Storage.Documents {
	case "bolt":
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		bs, err := store.OpenBolt(filepath.Join(cfg.Storage.Path, "docs.db"))
		if err != nil {
			return nil, err
		}
		cleanup.add(func() {
			if err := bs.Close(); err != nil {
				log.Warn("close bolt", zap.Error(err))
			}
		})
		docs = bs
	case "firestore":
		docs = store.NewFirestoreStore(fs)
	default:
		docs = store.NewMemoryStore()
	}

	if d := cfg.Storage.CacheFlush.Duration(); d > 0 {
		cached := store.NewCachedStore(docs, d, log)
		// Registered after the backing store so it flushes before that closes.
		cleanup.add(cached.Close)
		docs = cached
	}
	return docs, nil
}

func openHistory(ctx context.Context, cfg *config.Config, fs *firestore.Client, cleanup *closers) (history.Backend, error) {
	switch cfg.Storage.History {
	case "pebble":
		pb, err := history.OpenPebble(filepath.Join(cfg.Storage.Path, "history"))
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { pb.Close() })
		return pb, nil
	case "firestore":
		return history.NewFirestoreBackend(fs), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		cleanup.add(pool.Close)
		pg := history.NewPostgresBackend(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate history: %w", err)
		}
		return pg, nil
	default:
		return history.NewMemoryBackend(), nil
	}
}

func openBroker(ctx context.Context, cfg *config.Config, log *zap.Logger, cleanup *closers) (broker.Broker, error) {
	var b broker.Broker
	if cfg.Broker.Kind == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Broker.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Broker.RedisAddr, err)
		}
		cleanup.add(func() { client.Close() })
		b = broker.NewRedis(client, log)
	} else {
		b = broker.NewMemory(log)
	}
	cleanup.add(func() {
		if err := b.Close(); err != nil {
			log.Warn("close broker", zap.Error(err))
		}
	})
	return b, nil
}
