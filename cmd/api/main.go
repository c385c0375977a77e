package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/api"
	"fleetcore/internal/app"
	"fleetcore/internal/config"
	"fleetcore/internal/jobs"
	"fleetcore/internal/lifecycle"
	"fleetcore/internal/logging"
	"fleetcore/internal/queue"
	"fleetcore/internal/ratelimit"
	"fleetcore/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "api")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
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
	pusher := queue.NewBreaker(q, cfg)

	svc := jobs.NewService(st, pusher, cfg.DefaultMaxAttempts, log.WithField("component", "enqueue"))
	manager := lifecycle.NewManager(st, svc, log.WithField("component", "lifecycle"))

	var archiver webhook.Archiver
	if cfg.WebhookArchiveBucket != "" {
		client, err := webhook.NewS3Client(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("init webhook archive")
		}
		archiver = webhook.NewS3Archiver(client, cfg.WebhookArchiveBucket)
	}
	limiter := ratelimit.NewSourceLimiter(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	ingestor := webhook.NewIngestor(st, svc, archiver, log.WithField("component", "webhook")).
		WithLimiter(limiter, cfg.RateLimitDefer)

	server := api.New(api.Deps{
		Lifecycle:   manager,
		Ingestor:    ingestor,
		Jobs:        st,
		Redeliverer: svc,
		Checks: map[string]api.HealthCheck{
			"store": st.Ping,
			"redis": func(ctx context.Context) error { return q.Client().Ping(ctx).Err() },
		},
		MaxBodyBytes: cfg.WebhookMaxBytes,
		Log:          log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	if cfg.EmbeddedWorker {
		registry, err := app.NewRegistry(st, app.NewCarrier(cfg, log), log)
		if err != nil {
			log.WithError(err).Fatal("job registry incomplete")
		}
		w := app.NewWorker(cfg, st, q, pusher, registry, log)
		go func() {
			defer close(workerDone)
			_ = w.Run(ctx)
		}()
		log.WithField("concurrency", cfg.WorkerConcurrency).Info("embedded worker started")
	} else {
		close(workerDone)
	}

	log.WithFields(logrus.Fields{"port": cfg.HTTPPort, "store": cfg.StoreDriver}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	<-workerDone
	log.Info("api stopped")
}
