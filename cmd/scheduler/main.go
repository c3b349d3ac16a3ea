package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/batch"
	"github.com/lumenlearn/gradeq/internal/config"
	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/downstream"
	"github.com/lumenlearn/gradeq/internal/engine"
	"github.com/lumenlearn/gradeq/internal/leader"
	"github.com/lumenlearn/gradeq/internal/notify"
	"github.com/lumenlearn/gradeq/internal/ratelimit"
	"github.com/lumenlearn/gradeq/internal/storage"
	"github.com/lumenlearn/gradeq/migrations"
)

// The scheduler keeps the queue moving when no submissions arrive: every
// tick it runs one processing cycle (which also handles retention GC), so
// jobs left pending by a saturated rate window or full concurrency gate get
// picked up once capacity frees.
func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := migrations.Up(cfg.PostgresDSN); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	eng := buildEngine(cfg, db, rdb, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	interval := time.Duration(cfg.SchedulerIntervalSec) * time.Second
	tick := time.NewTicker(interval)
	defer tick.Stop()
	log.Info("scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-tick.C:
			if err := eng.RunCycle(ctx); err != nil {
				log.Error("processing cycle", zap.Error(err))
			}
		case <-stop:
			log.Info("shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelShutdown()
			if err := eng.Shutdown(shutdownCtx); err != nil {
				log.Warn("engine shutdown", zap.Error(err))
			}
			return
		}
	}
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildEngine(cfg config.Config, db *pgxpool.Pool, rdb *r.Client, log *zap.Logger) *engine.Engine {
	store := storage.New(db)
	window := ratelimit.New(rdb, cfg.MaxAPICallsPerMinute)
	notifier := notify.New(rdb, log)
	lock := engine.NewRedisLocker(leader.New(rdb, 30*time.Second))

	timeout := time.Duration(cfg.DownstreamTimeoutSec) * time.Second
	registry := downstream.NewRegistry()
	registry.Register(domain.Grading, downstream.NewClient(cfg.GradingAPIURL, timeout))
	registry.Register(domain.Extraction, downstream.NewClient(cfg.ExtractionAPIURL, timeout))

	grouper := batch.NewGrouper(cfg.MaxFilesPerBatch, cfg.MaxBatchBytes)
	exec := engine.NewExecutor(store, window, registry, notifier, grouper, log)

	return engine.New(engine.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Retention:         time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		PerItemEstimate:   time.Duration(cfg.PerItemSecondsEstimate) * time.Second,
	}, store, lock, window, notifier, exec, log)
}
