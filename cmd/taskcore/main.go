package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskcore/internal/alert"
	"taskcore/internal/api"
	"taskcore/internal/config"
	"taskcore/internal/handlers"
	"taskcore/internal/handlers/pdfcreate"
	"taskcore/internal/handlers/webfetch"
	"taskcore/internal/handlers/websearch"
	"taskcore/internal/notify"
	"taskcore/internal/queue"
	"taskcore/internal/scheduler"
	"taskcore/internal/store"
	"taskcore/internal/tasks"
	"taskcore/internal/worker"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides HTTP_ADDR)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides DB_PATH)")
		envFile = flag.String("env", ".env", "optional env file")
		debug   = flag.Bool("debug", false, "expose pprof routes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	clk := clock.New()

	var (
		transport queue.Transport
		results   notify.ResultQueue
	)
	switch cfg.Transport {
	case "memory":
		log.Warn().Dur("requeue_after", cfg.Worker.QueuedGrace).Msg("memory transport: ready list does not survive a restart")
		transport = queue.NewMemory()
		results = notify.NewMemoryResults(cfg.Worker.ResultQueueMaxItems, cfg.Worker.ResultTTL, clk)
	default:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", opts.Addr).Msg("redis unreachable")
		}
		cancelPing()
		transport = queue.NewRedis(rdb, queue.DefaultKeyPrefix)
		results = notify.NewRedisResults(rdb, notify.DefaultResultPrefix, cfg.Worker.ResultQueueMaxItems, cfg.Worker.ResultTTL)
	}

	// Handlers registry
	registry := handlers.NewRegistry()
	registry.Register(webfetch.JobType, webfetch.NewWithPolicy(cfg.Worker.HandlerTimeout, webfetch.Policy{
		AllowedPorts: cfg.Egress.AllowedPorts,
		DeniedHosts:  cfg.Egress.DeniedHosts,
		AllowPrivate: !cfg.Egress.BlockPrivateNetworks,
	}))
	registry.Register(websearch.JobType, websearch.New(cfg.SearchEndpoint, cfg.Worker.HandlerTimeout))
	registry.Register(pdfcreate.JobType, pdfcreate.New())

	alerts := alert.New(200, clk)
	hub := notify.NewHub()
	notifier := notify.NewNotifier(hub, results, clk)

	taskSvc := tasks.NewService(repo, transport, registry, tasks.Options{
		DedupWindow:       cfg.Worker.DedupeWindow,
		DefaultMaxRetries: &cfg.Worker.MaxRetries,
		Clock:             clk,
	})
	dispatcher := worker.NewDispatcher(repo, transport, registry, notifier, alerts, clk, worker.Config{
		LeaseTimeout:   cfg.Worker.RunningLease,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		RecoveryBatch:  cfg.Worker.RecoveryBatch,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
		QueuedGrace:    cfg.Worker.QueuedGrace,
	})
	sched := scheduler.NewService(repo, notifier, alerts, clk, scheduler.Config{
		SyncInterval: cfg.Cron.SyncInterval,
		PingInterval: cfg.Cron.PingInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	// HTTP server
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Tasks:     taskSvc,
			Repo:      repo,
			Scheduler: sched,
			Results:   notifier,
			Hub:       hub,
			Alerts:    alerts,
			Debug:     *debug,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("transport", cfg.Transport).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: stop pulling work, let the in-flight task finish.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	wg.Wait()
}
