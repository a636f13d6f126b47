package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"finetune-orchestrator/internal/blob"
	"finetune-orchestrator/internal/config"
	"finetune-orchestrator/internal/models"
	"finetune-orchestrator/internal/store"
	"finetune-orchestrator/internal/telemetry"
)

// RecordStore is the persistence capability the API needs.
type RecordStore interface {
	CreateModel(ctx context.Context, m models.Model) error
	CreateJob(ctx context.Context, j models.Job) error
	GetModel(ctx context.Context, id string) (models.Model, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// JobQueue is the publish side of the work queue.
type JobQueue interface {
	Publish(ctx context.Context, msg models.JobMessage) error
}

// Limiter throttles submissions per user.
type Limiter interface {
	AllowUser(ctx context.Context, userID string) (bool, error)
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	store   RecordStore
	blobs   blob.Store
	queue   JobQueue
	limiter Limiter
}

// New constructs the API server. The limiter may be nil to disable throttling.
func New(cfg config.Config, st RecordStore, blobs blob.Store, q JobQueue, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Fine-tuning orchestrator is running"))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Status: Healthy"))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/fine-tune", s.handleFineTune)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/models/{id}", s.handleGetModel)
	return r
}

// FineTuneRequest is the submission payload.
type FineTuneRequest struct {
	UserID         string                `json:"user_id"`
	ModelName      string                `json:"model_name"`
	Description    string                `json:"description"`
	BaseModel      string                `json:"base_model"`
	DatasetID      string                `json:"dataset_id"`
	TrainingParams models.TrainingParams `json:"training_params"`
}

// FineTuneResponse acknowledges a queued submission.
type FineTuneResponse struct {
	JobID   string `json:"job_id"`
	ModelID string `json:"model_id"`
	Status  string `json:"status"`
}

func (r FineTuneRequest) validate() string {
	switch {
	case r.UserID == "":
		return "user_id is required"
	case r.ModelName == "":
		return "model_name is required"
	case r.BaseModel == "":
		return "base_model is required"
	case r.DatasetID == "":
		return "dataset_id is required"
	case r.TrainingParams.Epochs <= 0:
		return "training_params.epochs must be positive"
	case r.TrainingParams.BatchSize <= 0:
		return "training_params.batch_size must be positive"
	case r.TrainingParams.LearningRate <= 0:
		return "training_params.learning_rate must be positive"
	}
	return ""
}

// handleFineTune validates a request, creates the model and job rows, and
// publishes the dispatch message. The three writes are independent: a failure
// aborts the remaining steps but never undoes completed ones.
func (s *Server) handleFineTune(w http.ResponseWriter, r *http.Request) {
	var req FineTuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.SubmissionsRejected.Inc()
		errorJSON(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		telemetry.SubmissionsRejected.Inc()
		errorJSON(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()

	if s.limiter != nil {
		allowed, err := s.limiter.AllowUser(ctx, req.UserID)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			errorJSON(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	// Existence check only; dataset content is not inspected here.
	exists, err := s.blobs.Exists(ctx, blob.DatasetMetadataKey(req.DatasetID))
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "storage access error")
		return
	}
	if !exists {
		telemetry.SubmissionsRejected.Inc()
		errorJSON(w, http.StatusNotFound, "dataset not found")
		return
	}

	modelID := uuid.New().String()
	jobID := uuid.New().String()
	now := time.Now().UTC()

	if err := s.store.CreateModel(ctx, models.Model{
		ID:          modelID,
		UserID:      req.UserID,
		Name:        req.ModelName,
		Description: req.Description,
		BaseModel:   req.BaseModel,
		Status:      models.ModelPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		errorJSON(w, http.StatusInternalServerError, "failed to create model")
		return
	}

	if err := s.store.CreateJob(ctx, models.Job{
		ID:        jobID,
		ModelID:   modelID,
		DatasetID: req.DatasetID,
		Type:      models.JobTypeFineTune,
		Status:    models.JobQueued,
		CreatedAt: now,
	}); err != nil {
		errorJSON(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	msg := models.JobMessage{
		Version:        models.JobMessageVersion,
		JobID:          jobID,
		ModelID:        modelID,
		DatasetID:      req.DatasetID,
		BaseModel:      req.BaseModel,
		TrainingParams: req.TrainingParams,
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		errorJSON(w, http.StatusInternalServerError, "failed to queue job")
		return
	}

	telemetry.SubmissionsAccepted.Inc()
	writeJSON(w, http.StatusOK, FineTuneResponse{
		JobID:   jobID,
		ModelID: modelID,
		Status:  models.JobQueued,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "job not found")
			return
		}
		errorJSON(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := s.store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "model not found")
			return
		}
		errorJSON(w, http.StatusInternalServerError, "failed to load model")
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
