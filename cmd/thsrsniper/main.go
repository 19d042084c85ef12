package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"thsrsniper/internal/api"
	"thsrsniper/internal/booking"
	"thsrsniper/internal/config"
	"thsrsniper/internal/engine"
	"thsrsniper/internal/service"
	"thsrsniper/internal/store"
	"thsrsniper/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
	}
	defer st.Close()

	attempter := booking.NewRunnerClient(cfg.Runner.BaseURL, cfg.Runner.Timeout)

	eng := engine.New(st, attempter, engine.Options{
		Tick:            cfg.Scheduler.Tick,
		AttemptTimeout:  cfg.Scheduler.AttemptTimeout,
		MaxWorkers:      cfg.Scheduler.MaxWorkers,
		ConflictRetries: cfg.Scheduler.ConflictRetries,
	}, log.With().Str("component", "engine").Logger())

	wd := watchdog.New(eng, watchdog.Options{
		Interval:   cfg.Watchdog.Interval,
		StallAfter: cfg.Watchdog.StallAfter,
	}, log.With().Str("component", "watchdog").Logger())

	svc := service.New(st, eng, log.With().Str("component", "service").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	go wd.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(svc, wd, log.With().Str("component", "api").Logger()),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, err
		}
		return store.NewSQLite(db), nil
	case "bolt":
		return store.NewBolt(cfg.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
