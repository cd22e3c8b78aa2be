package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/minisource/runsched/config"
	"github.com/minisource/runsched/internal/api"
	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/engine"
	"github.com/minisource/runsched/internal/horizon"
	"github.com/minisource/runsched/internal/notify"
	"github.com/minisource/runsched/internal/queue"
	"github.com/minisource/runsched/internal/store"
)

func main() {
	cfg := config.LoadConfig()

	st, db := openStore(cfg)
	if db != nil {
		defer store.Close(db)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Dir)
	if err != nil {
		log.Fatalf("Failed to load job catalog: %v", err)
	}
	if err := mirrorCatalog(ctx, st, cat); err != nil {
		log.Fatalf("Failed to mirror job catalog into the store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	q := queue.New()
	pub := notify.NewPublisher(redisClient, logger)
	eng := engine.New(st, cat, q, pub, logger)

	if err := eng.Reattach(ctx); err != nil {
		log.Fatalf("Failed to reattach running runs: %v", err)
	}
	if err := eng.ReloadScheduled(ctx); err != nil {
		log.Fatalf("Failed to reload scheduled runs: %v", err)
	}

	go eng.RunQueueLoop(ctx)

	sched := horizon.New(horizon.Config{
		Lookahead:                 cfg.Scheduler.Lookahead,
		Tick:                      cfg.Scheduler.Tick,
		MaxStep:                   cfg.Scheduler.MaxStep,
		MaterializeExpectedCutoff: cfg.Scheduler.MaterializeExpectedCutoff,
	}, cat, st.Clock, eng, logger)
	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("horizon scheduler stopped", "err", err)
		}
	}()

	handlers := &api.Handlers{
		Job:    api.NewJobHandler(cat, eng),
		Run:    api.NewRunHandler(eng),
		Health: api.NewHealthHandler(db),
		Stream: api.NewStreamHandler(redisClient, logger),
	}

	app := fiber.New(fiber.Config{
		AppName:      "runsched",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	})
	api.SetupRouter(app, handlers)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Starting runsched on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down runsched...")

	eng.Shutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("runsched stopped")
}

// mirrorCatalog durably upserts every loaded job definition into the
// store's JobStore (spec.md §4.1/§6 "jobs: job_id -> JobDefinition,
// read-only after load"), so operators can inspect the catalog via the
// store even though the engine and the HTTP job-read path still serve
// off the in-memory catalog for the actual generators/program binding.
func mirrorCatalog(ctx context.Context, st *store.Store, cat *catalog.Catalog) error {
	for _, job := range cat.All() {
		blob, err := job.Serialize()
		if err != nil {
			return fmt.Errorf("serializing job %q: %w", job.JobID, err)
		}
		if err := st.Jobs.Upsert(ctx, job.JobID, blob); err != nil {
			return fmt.Errorf("upserting job %q: %w", job.JobID, err)
		}
	}
	return nil
}

// openStore builds the persistent store per cfg.UseMemoryStore, returning
// the *gorm.DB too (nil for the in-memory backend) so main can wire it
// into the health handler and its own deferred Close.
func openStore(cfg *config.Config) (*store.Store, *gorm.DB) {
	if cfg.UseMemoryStore {
		st, _ := store.NewMemoryStore()
		return st, nil
	}

	db, err := store.NewPostgresConnection(store.PostgresConfig{
		Host:               cfg.Postgres.Host,
		Port:               cfg.Postgres.Port,
		User:               cfg.Postgres.User,
		Password:           cfg.Postgres.Password,
		DBName:             cfg.Postgres.DBName,
		SSLMode:            cfg.Postgres.SSLMode,
		LogLevel:           cfg.Postgres.LogLevel,
		MaxIdleConns:       cfg.Postgres.MaxIdleConns,
		MaxOpenConns:       cfg.Postgres.MaxOpenConns,
		MaxLifetimeMinutes: cfg.Postgres.MaxLifetimeMinutes,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to auto-migrate: %v", err)
	}
	return store.NewGormStore(db), db
}
