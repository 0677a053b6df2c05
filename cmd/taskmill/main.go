package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskmill/internal/api"
	"taskmill/internal/backend"
	"taskmill/internal/config"
	"taskmill/internal/dlq"
	"taskmill/internal/handlers/shell"
	"taskmill/internal/handlers/webhook"
	"taskmill/internal/recurring"
	"taskmill/internal/registry"
	"taskmill/internal/retry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
	"taskmill/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	b, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("open backend")
	}
	defer b.Close()

	reg := registry.New()
	registerDefinitions(reg)

	st := store.New(b)
	sched := scheduler.New(b, st, reg, log.Logger)
	deadLetters := dlq.New(b, st, sched, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(b, st, reg, deadLetters, log.Logger,
			worker.WithPollInterval(cfg.PollInterval),
			worker.WithConcurrency(cfg.Concurrency),
			worker.WithLeaseTTL(cfg.LeaseTTL),
		)
		if err := w.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start worker")
		}
		workers = append(workers, w)
	}

	rec := recurring.New(b, reg, log.Logger)
	go rec.Start(ctx, cfg.RecurringInterval, func(ctx context.Context, name string, payload json.RawMessage) (string, error) {
		return sched.Enqueue(ctx, name, payload)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(sched)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	rec.Stop()
	cancel()
	for _, w := range workers {
		if err := w.Stop(); err != nil {
			log.Error().Err(err).Msg("stop worker")
		}
	}
	log.Info().Msg("all workers stopped")
}

func openBackend(cfg config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return backend.ConnectRedis(ctx, cfg.RedisURL)
	case "memory":
		return backend.NewMemory(), nil
	default:
		return backend.OpenSQLite(cfg.SQLitePath)
	}
}

func registerDefinitions(reg *registry.Registry) {
	defs := []*registry.Definition{
		{
			Name:    webhook.Name,
			Handler: webhook.Webhook{},
			Timeout: 30 * time.Second,
			Retry: retry.Config{
				Backoff:      retry.Exponential,
				InitialDelay: 2 * time.Second,
				MaxDelay:     time.Minute,
			},
		},
		{
			Name:        shell.Name,
			Handler:     shell.Shell{},
			Timeout:     time.Minute,
			MaxAttempts: 3,
			Retry: retry.Config{
				Backoff:      retry.Linear,
				InitialDelay: 5 * time.Second,
			},
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			log.Fatal().Err(err).Str("name", def.Name).Msg("register definition")
		}
	}
}
