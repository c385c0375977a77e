package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/app"
	"fleetcore/internal/config"
	"fleetcore/internal/logging"
	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "worker")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	if cfg.StoreDriver != "postgres" {
		log.Fatal("the standalone worker needs STORE_DRIVER=postgres; use EMBEDDED_WORKER with the api for the memory store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	registry, err := app.NewRegistry(st, app.NewCarrier(cfg, log), log)
	if err != nil {
		log.WithError(err).Fatal("job registry incomplete")
	}
	w := app.NewWorker(cfg, st, q, queue.NewBreaker(q, cfg), registry, log)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"queues":      cfg.Queues,
		"concurrency": cfg.WorkerConcurrency,
		"visibility":  cfg.VisibilityTimeout.String(),
		"job_types":   registry.Types(),
	}).Info("worker started")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
