package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"podamp/internal/api"
	"podamp/internal/config"
	"podamp/internal/delay"
	"podamp/internal/exec"
	"podamp/internal/health"
	"podamp/internal/metrics"
	"podamp/internal/queue"
	"podamp/internal/scheduler"
	"podamp/internal/store"
	"podamp/internal/worker"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "podamp.db", "SQLite DB path")
		cfgPath  = flag.String("config", "", "path to podamp.yaml (optional)")
		execBase = flag.String("exec", "http://localhost:9090", "engagement execution service base URL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure intent schema")
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, DB: cfg.Queue.RedisDB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Queue.RedisAddr).Msg("redis not reachable yet")
		}
		cancel()
		q = queue.NewRedis(rdb, "podamp:")
	default:
		if err := queue.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure queue schema")
		}
		q = queue.NewSQLite(db)
	}

	if n, err := q.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered jobs with expired leases")
	}

	st := store.NewSQLite(db)
	calc := delay.New(cfg.Delays, rand.New(rand.NewSource(time.Now().UnixNano())))
	sched := scheduler.New(st, q, calc, cfg.Scheduling)

	sweeper, err := scheduler.NewSweeper(sched, cfg.Scheduling.SweepSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("sweep config")
	}
	sweeper.Start()
	defer sweeper.Stop()

	client := exec.NewHTTPClient(*execBase)
	pool := worker.New(q, st, client, cfg.Workers, metrics.NewExecution())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	// Retention: finished jobs are kept for observability, then pruned.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if n, err := q.Prune(ctx, now.Add(-cfg.Queue.RetentionAge)); err != nil {
					log.Error().Err(err).Msg("prune failed")
				} else if n > 0 {
					log.Info().Int("pruned", n).Msg("pruned finished jobs")
				}
			}
		}
	}()

	reporter := health.New(q, pool)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, sched, reporter, pool)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), cfg.Workers.ShutdownGrace)
	defer cancelTimeout()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("worker pool did not drain in time")
	}
	cancel()
	_ = srv.Shutdown(shutdownCtx)
}
