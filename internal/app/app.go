// Package app wires the store, transport and job handlers shared by the api and
// worker binaries.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/config"
	"fleetcore/internal/jobs"
	"fleetcore/internal/lifecycle"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/store"
	"fleetcore/internal/store/memory"
	"fleetcore/internal/webhook"
	"fleetcore/internal/worker"
)

// Backend is the persistence surface implemented by both store drivers.
type Backend interface {
	jobs.Store
	lifecycle.Store
	webhook.PayloadStore
	CreateSim(ctx context.Context, sim models.Sim) (models.Sim, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memory.Store)(nil)
)

// OpenStore connects the configured driver. Postgres migrations run on open.
func OpenStore(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewCarrier returns the provider client used by the SIM handlers, throttled per
// carrier by CARRIER_RATE_PER_SEC and CARRIER_BURST.
func NewCarrier(cfg config.Config, log logrus.FieldLogger) lifecycle.Carrier {
	return lifecycle.NewThrottledCarrier(lifecycle.LogCarrier{Log: log.WithField("component", "carrier")}, cfg.CarrierRatePerSec, cfg.CarrierBurst)
}

// NewRegistry registers every job handler. A missing handler fails here, before
// any delivery is consumed.
func NewRegistry(st Backend, carrier lifecycle.Carrier, log logrus.FieldLogger) (*jobs.Registry, error) {
	handlers := make(map[models.JobType]jobs.Handler)
	lifecycle.NewHandlers(st, carrier, log.WithField("component", "lifecycle")).Register(handlers)
	webhook.NewHandler(st, log.WithField("component", "webhook")).Register(handlers)
	return jobs.NewRegistry(handlers)
}

// Worker runs the delivery loops and the recovery sweeper.
type Worker struct {
	processor *worker.Processor
	sweeper   *jobs.Sweeper
}

// NewWorker assembles the dispatch pipeline on top of q. pusher is the breaker
// wrapped transport used for retries and sweeps.
func NewWorker(cfg config.Config, st Backend, q *queue.RedisQueue, pusher queue.Pusher, registry *jobs.Registry, log logrus.FieldLogger) *Worker {
	staleAfter := 2 * cfg.VisibilityTimeout
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	dispatcher := jobs.NewDispatcher(st, registry, pusher, jobs.NewBackoff(cfg), staleAfter, log.WithField("component", "dispatcher"))
	return &Worker{
		processor: worker.NewProcessor(cfg, q, dispatcher, log.WithField("component", "processor")),
		sweeper:   jobs.NewSweeper(st, pusher, cfg.SweepGrace, staleAfter, cfg.SweepInterval, cfg.SweepBatch, log.WithField("component", "sweeper")),
	}
}

// Run blocks until ctx is cancelled and in-progress jobs have returned.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweeper.Run(ctx)
	}()
	err := w.processor.Run(ctx)
	wg.Wait()
	return err
}
