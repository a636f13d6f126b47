package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"finetune-orchestrator/internal/blob"
	"finetune-orchestrator/internal/config"
	"finetune-orchestrator/internal/queue"
	"finetune-orchestrator/internal/store"
	"finetune-orchestrator/internal/telemetry"
	"finetune-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	var blobs blob.Store
	if cfg.BlobBucket != "" {
		blobs, err = blob.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("init blob store: %v", err)
		}
	} else {
		blobs = blob.NewLocalStore(cfg.BlobLocalDir)
		log.Printf("no blob bucket configured, using local dir %s", cfg.BlobLocalDir)
	}

	q := queue.NewRedisQueue(cfg)

	var trainer worker.Trainer
	if cfg.TrainingBackendURL != "" {
		trainer = worker.NewHTTPTrainer(cfg.TrainingBackendURL, cfg.TrainingTimeout)
		log.Printf("using training backend %s", cfg.TrainingBackendURL)
	} else {
		trainer = &worker.SimulatedTrainer{}
		log.Printf("no training backend configured, simulating jobs")
	}

	consumer := worker.NewConsumer(cfg, q, st, blobs, trainer)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started visibility=%s backoff_initial=%s max_attempts=%d",
		cfg.VisibilityTimeout, cfg.BackoffInitial, cfg.MaxAttempts)
	if err := consumer.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
