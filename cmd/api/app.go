package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/inaiurai/localize/internal/config"
	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/execution"
	"github.com/inaiurai/localize/internal/orchestrator"
	"github.com/inaiurai/localize/internal/repository"
	"github.com/inaiurai/localize/internal/services"
	"github.com/inaiurai/localize/internal/worklog"
)

// taskStore is what both the orchestrator and the delivery log write to.
type taskStore interface {
	orchestrator.TaskStore
	delivery.Log
}

// app holds the wired components shared by serve and worker.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *pgxpool.Pool
	store    taskStore
	service  *orchestrator.Service
	worklog  *worklog.Log
	sender   *delivery.Sender
	river    *river.Client[pgx.Tx]
	consumer *execution.Consumer
	intake   *execution.Intake
}

func connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	return pool, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var wlStore worklog.Store
	if cfg.Database.Memory {
		logger.Warn("using in-memory stores; state is lost on restart")
		a.store = repository.NewMemoryTaskStore()
		wlStore = worklog.NewMemoryStore()
	} else {
		pool, err := connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL")
		a.pool = pool
		a.store = repository.NewTaskRepo(pool)
		wlStore = worklog.NewPGStore(pool, logger)
	}

	partner, ok := cfg.Partner(cfg.Delivery.Partner)
	if !ok {
		return nil, fmt.Errorf("delivery partner %q not configured", cfg.Delivery.Partner)
	}
	if cfg.Delivery.Destination == "" {
		logger.Warn("delivery.destination is empty; outbound events will fail")
	}
	a.sender = delivery.NewSender(cfg.Delivery.Destination, partner, a.store, cfg.Delivery.Timeout, logger)

	var emitter delivery.Emitter = a.sender
	if cfg.Delivery.Mode == config.DeliveryRiver {
		client, err := a.newRiverClient()
		if err != nil {
			return nil, err
		}
		a.river = client
		emitter = delivery.RiverEmitter{Insert: func(ctx context.Context, args delivery.JobArgs) error {
			_, err := client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: cfg.Delivery.MaxAttempts})
			return err
		}}
	}

	deps := orchestrator.Deps{
		Store:      a.store,
		Translator: services.NewTranslationClient(cfg.Capabilities.TranslationURL, cfg.Capabilities.Timeout),
		Scorer:     services.NewScoringClient(cfg.Capabilities.ScoringURL, cfg.Capabilities.Timeout),
		Reviewer:   services.NewReviewClient(cfg.Capabilities.ReviewURL, cfg.Capabilities.Timeout),
		Emitter:    emitter,
	}
	if cfg.Processing.Mode == config.ProcessingWorklog {
		a.worklog = worklog.New(wlStore, worklog.Options{
			Group:      cfg.Worklog.Group,
			MaxRetries: cfg.Worklog.MaxRetries,
		}, logger)
		deps.Queue = a.worklog
	}

	a.service = orchestrator.NewService(deps, orchestrator.Options{
		MaxIterations:         cfg.Defaults.MaxIterations,
		ConfidenceThreshold:   cfg.Defaults.ConfidenceThreshold,
		RetriggerCooldown:     cfg.Retrigger.Cooldown,
		SurfaceDeliveryErrors: cfg.Delivery.SurfaceErrors,
	}, logger)

	a.intake = execution.NewIntake(a.service, execution.IntakeConfig{
		Workers: cfg.Processing.EventWorkers,
		Depth:   cfg.Processing.EventQueueDepth,
	}, logger)

	if a.worklog != nil {
		a.consumer = execution.NewConsumer(a.worklog, a.service, execution.ConsumerConfig{
			Name:         consumerName(cfg.Worklog.Consumer),
			BatchSize:    cfg.Worklog.BatchSize,
			MinIdle:      cfg.Worklog.MinIdle,
			PollInterval: cfg.Worklog.PollInterval,
		}, logger)
	}
	return a, nil
}

// newRiverClient registers the delivery worker over a.sender.
func (a *app) newRiverClient() (*river.Client[pgx.Tx], error) {
	if a.pool == nil {
		return nil, errors.New("river delivery needs a database")
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDeliverEventWorker(a.sender, a.logger))
	client, err := river.NewClient(riverpgxv5.New(a.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// start runs the background workers that exist for this configuration.
func (a *app) start(ctx context.Context, wg *sync.WaitGroup) {
	if a.river != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.river.Start(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("river client stopped", "error", err)
			}
		}()
	}
	if a.consumer != nil {
		a.consumer.Start(ctx)
	}
	a.intake.Start(ctx)
}

// stop drains accepted events first; their follow-up work still needs the
// consumer, River and the pool.
func (a *app) stop(ctx context.Context) {
	a.intake.Stop()
	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.river != nil {
		if err := a.river.Stop(ctx); err != nil {
			a.logger.Warn("river stop", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
