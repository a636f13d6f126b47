// Package worker implements the job consumer: it drains the work queue in
// batches and drives each job through the
// queued -> processing -> completed (or failed) lifecycle.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"finetune-orchestrator/internal/blob"
	"finetune-orchestrator/internal/config"
	"finetune-orchestrator/internal/models"
	"finetune-orchestrator/internal/queue"
	"finetune-orchestrator/internal/store"
	"finetune-orchestrator/internal/telemetry"
)

// RecordStore is the persistence capability the consumer needs. Every status
// transition is conditional, so redelivered messages converge instead of
// corrupting state.
type RecordStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	JobStatus(ctx context.Context, id string) (string, error)
	MarkJobProcessing(ctx context.Context, id string) (bool, error)
	MarkModelTrained(ctx context.Context, id string) (bool, error)
	MarkJobCompleted(ctx context.Context, id string) (bool, error)
	SetJobLogsURL(ctx context.Context, id, logsURL string) error
	MarkJobFailed(ctx context.Context, id, lastErr string) (bool, error)
	MarkModelFailed(ctx context.Context, id string) (bool, error)
	RecordJobAttempt(ctx context.Context, id string, attempts int, lastErr string) error
}

// JobQueue is the consume side of the work queue.
type JobQueue interface {
	DequeueBatch(ctx context.Context, max int) ([]queue.Delivery, error)
	Ack(ctx context.Context, body []byte) error
	Retry(ctx context.Context, body []byte, at time.Time) error
	DeadLetter(ctx context.Context, body []byte) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Consumer executes the job lifecycle state machine per delivered message.
type Consumer struct {
	cfg     config.Config
	queue   JobQueue
	store   RecordStore
	blobs   blob.Store
	trainer Trainer
}

func NewConsumer(cfg config.Config, q JobQueue, st RecordStore, blobs blob.Store, trainer Trainer) *Consumer {
	if trainer == nil {
		trainer = &SimulatedTrainer{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Consumer{
		cfg:     cfg,
		queue:   q,
		store:   st,
		blobs:   blobs,
		trainer: trainer,
	}
}

// Run polls the queue until context cancellation. Each pass promotes due
// retries, reclaims expired leases, and processes one dequeued batch.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = c.queue.PromoteScheduled(ctx, now, 100)
		if reclaimed, _ := c.queue.RequeueExpired(ctx, now, 100); reclaimed > 0 {
			log.Printf("reclaimed %d expired leases", reclaimed)
		}
		if depth, err := c.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		batch, err := c.queue.DequeueBatch(ctx, c.cfg.DequeueBatchSize)
		if err != nil {
			log.Printf("dequeue failed: %v", err)
			sleep(ctx, c.cfg.WorkerPollInterval)
			continue
		}
		if len(batch) == 0 {
			sleep(ctx, c.cfg.WorkerPollInterval)
			continue
		}
		c.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch handles deliveries sequentially; one message's failure never
// aborts the rest of the batch.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []queue.Delivery) {
	telemetry.InFlightGauge.Add(float64(len(batch)))
	for _, d := range batch {
		c.handleDelivery(ctx, d)
		telemetry.InFlightGauge.Dec()
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d queue.Delivery) {
	msg, err := parseJobMessage(d.Body)
	if err != nil {
		// Retrying cannot fix a parse failure; dead-letter instead of
		// leaving the message to cycle through redelivery.
		log.Printf("dead-lettering malformed message: %v", err)
		if dlErr := c.queue.DeadLetter(ctx, d.Body); dlErr != nil {
			log.Printf("dead-letter failed: %v", dlErr)
		}
		telemetry.JobsDeadLettered.Inc()
		return
	}

	if err := c.process(ctx, msg); err != nil {
		log.Printf("job %s failed: %v", msg.JobID, err)
		c.fail(ctx, d, msg, err)
		return
	}

	if err := c.queue.Ack(ctx, d.Body); err != nil {
		log.Printf("ack failed for job %s: %v", msg.JobID, err)
	}
}

// process runs the lifecycle for one message. Any returned error sends the
// message down the retry path; rows stay in whatever state they reached.
func (c *Consumer) process(ctx context.Context, msg models.JobMessage) error {
	// Redelivery short-circuit: a finished job's message is acknowledged
	// without reapplying side effects.
	status, err := c.store.JobStatus(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	if status == models.JobCompleted || status == models.JobFailed {
		log.Printf("job %s already %s, skipping", msg.JobID, status)
		return nil
	}

	applied, err := c.store.MarkJobProcessing(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !applied {
		// Lost the race to a concurrent consumer that finished the job.
		return nil
	}

	if err := c.trainer.Train(ctx, msg); err != nil {
		return fmt.Errorf("training backend: %w", err)
	}

	// Model is marked trained before the job completes; a crash between the
	// two leaves a trained model on a processing job for reconciliation.
	if _, err := c.store.MarkModelTrained(ctx, msg.ModelID); err != nil {
		return fmt.Errorf("mark model trained: %w", err)
	}

	won, err := c.store.MarkJobCompleted(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if !won {
		// A duplicate delivery completed the job first; it owns the artifact.
		return nil
	}

	logsKey := blob.JobLogsKey(msg.JobID)
	content := fmt.Sprintf("Job %s completed successfully at %s\n", msg.JobID, time.Now().UTC().Format(time.RFC3339))
	if err := c.blobs.Put(ctx, logsKey, []byte(content), "text/plain"); err != nil {
		return fmt.Errorf("write job logs: %w", err)
	}
	if err := c.store.SetJobLogsURL(ctx, msg.JobID, logsKey); err != nil {
		return fmt.Errorf("link job logs: %w", err)
	}
	// Counted here, not on ack, so short-circuited redeliveries do not
	// inflate the completion count.
	telemetry.JobsCompleted.Inc()
	return nil
}

// fail records the attempt and either schedules redelivery with backoff or,
// once attempts are exhausted, moves the job and model to failed and the
// message to the DLQ.
func (c *Consumer) fail(ctx context.Context, d queue.Delivery, msg models.JobMessage, procErr error) {
	// A missing job row is permanent: messages are published only after the
	// row insert succeeds, so retrying can never make it appear.
	if errors.Is(procErr, store.ErrNotFound) {
		log.Printf("dead-lettering job %s with no record: %v", msg.JobID, procErr)
		if err := c.queue.DeadLetter(ctx, d.Body); err != nil {
			log.Printf("dead-letter failed for job %s: %v", msg.JobID, err)
		}
		telemetry.JobsDeadLettered.Inc()
		return
	}

	attempts := 1
	if job, err := c.store.GetJob(ctx, msg.JobID); err == nil {
		attempts = job.Attempts + 1
	}
	if err := c.store.RecordJobAttempt(ctx, msg.JobID, attempts, procErr.Error()); err != nil {
		log.Printf("record attempt for job %s: %v", msg.JobID, err)
	}

	if attempts >= c.cfg.MaxAttempts {
		_, _ = c.store.MarkJobFailed(ctx, msg.JobID, procErr.Error())
		_, _ = c.store.MarkModelFailed(ctx, msg.ModelID)
		if err := c.queue.DeadLetter(ctx, d.Body); err != nil {
			log.Printf("dead-letter failed for job %s: %v", msg.JobID, err)
		}
		telemetry.JobsDeadLettered.Inc()
		return
	}

	backoff := backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, attempts)
	if err := c.queue.Retry(ctx, d.Body, time.Now().Add(backoff)); err != nil {
		// The visibility timeout still redelivers the message eventually.
		log.Printf("retry-marking failed for job %s: %v", msg.JobID, err)
	}
	telemetry.JobsRetried.Inc()
}

// parseJobMessage decodes and validates a queue payload. Version 0 (the field
// absent) is read as version 1 for messages published before the field existed.
func parseJobMessage(body []byte) (models.JobMessage, error) {
	var msg models.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return models.JobMessage{}, fmt.Errorf("parse job message: %w", err)
	}
	if msg.Version > models.JobMessageVersion {
		return models.JobMessage{}, fmt.Errorf("unsupported message version %d", msg.Version)
	}
	if msg.JobID == "" || msg.ModelID == "" {
		return models.JobMessage{}, fmt.Errorf("job message missing job_id or model_id")
	}
	return msg, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
