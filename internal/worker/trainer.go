package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"finetune-orchestrator/internal/models"
)

// Trainer is the envelope around the opaque training operation. The consumer
// only invokes it; the actual computation lives in an external backend.
type Trainer interface {
	Train(ctx context.Context, msg models.JobMessage) error
}

// HTTPTrainer submits the job to an external training backend over HTTP and
// treats any non-2xx response as a processing failure.
type HTTPTrainer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTrainer(baseURL string, timeout time.Duration) *HTTPTrainer {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPTrainer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTrainer) Train(ctx context.Context, msg models.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal training request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/train", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build training request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("call training backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("training backend returned status %d", resp.StatusCode)
	}
	return nil
}

// SimulatedTrainer stands in for a real backend in local runs: it logs the
// invocation and succeeds after an optional delay.
type SimulatedTrainer struct {
	Delay time.Duration
}

func (t *SimulatedTrainer) Train(ctx context.Context, msg models.JobMessage) error {
	log.Printf("simulating fine-tune job=%s model=%s base_model=%s epochs=%d",
		msg.JobID, msg.ModelID, msg.BaseModel, msg.TrainingParams.Epochs)
	if t.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.Delay):
		}
	}
	return nil
}
