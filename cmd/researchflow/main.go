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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"researchflow/internal/api"
	"researchflow/internal/delivery"
	"researchflow/internal/dispatcher"
	"researchflow/internal/executor"
	"researchflow/internal/messaging"
	"researchflow/internal/research"
	"researchflow/internal/store"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP bind address")
		dbPath       = flag.String("db", "researchflow.db", "SQLite DB path")
		dispatchPoll = flag.Duration("dispatch-poll", 5*time.Minute, "due-schedule evaluation interval")
		deliverPoll  = flag.Duration("deliver-poll", time.Minute, "outbox drain interval")
		concurrency  = flag.Int("concurrency", 4, "max schedules executing at once")
		maxFailures  = flag.Int("max-failures", executor.DefaultMaxConsecutiveFailures, "consecutive research failures before a schedule is deactivated")
		postRate     = flag.Float64("post-rate", 1, "max chat posts per second")
		debug        = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	// Optional .env for local runs; real deployments set the environment.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("loaded .env")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	var engine research.Engine
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		engine = research.NewOpenAIEngine(key)
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, using static research engine")
		engine = research.StaticEngine{}
	}

	var surface messaging.Surface
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		surface = messaging.NewSlackClient(token)
	} else {
		log.Warn().Msg("SLACK_BOT_TOKEN not set, delivering to console")
		surface = messaging.ConsoleSurface{}
	}

	exec := executor.New(st, engine, *maxFailures)

	ctx, cancel := context.WithCancel(context.Background())

	disp := dispatcher.NewService(st, exec, *dispatchPoll, *concurrency)
	go disp.Start(ctx)

	worker := delivery.NewWorker(st, surface, *deliverPoll, *postRate)
	go worker.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(st, exec, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
