package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-booking/internal/config"
	"github.com/noah-isme/backend-booking/internal/db"
	"github.com/noah-isme/backend-booking/internal/obs"
	"github.com/noah-isme/backend-booking/internal/shift"
	"github.com/noah-isme/backend-booking/internal/tasks"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.Component(obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pool, err := db.NewPool(startCtx, cfg.DatabaseURL, "booking-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("init database")
	}
	defer pool.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}

	// The worker only reads shifts, so the service needs no lock or event bus.
	shifts := &shift.Service{Store: shift.PGStore{DB: pool}, Logger: logger}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{cfg.TaskQueue: 1},
		Logger:      asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task_type", task.Type()).Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeSettlementSlip, tasks.SlipHandler{
		Shifts:   shifts,
		Dir:      cfg.SlipDir,
		Currency: cfg.CurrencyCode,
		Logger:   logger,
	})

	logger.Info().Str("queue", cfg.TaskQueue).Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// asynqLogger routes asynq's internal logs through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(sprint(args)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(sprint(args)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(sprint(args)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(sprint(args)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(sprint(args)) }

func sprint(args []any) string { return fmt.Sprint(args...) }
