package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"finetune-orchestrator/internal/blob"
	"finetune-orchestrator/internal/config"
	"finetune-orchestrator/internal/models"
	"finetune-orchestrator/internal/store"
)

type fakeRecordStore struct {
	models    []models.Model
	jobs      []models.Job
	failModel bool
	failJob   bool
}

func (s *fakeRecordStore) CreateModel(_ context.Context, m models.Model) error {
	if s.failModel {
		return errors.New("insert model failed")
	}
	s.models = append(s.models, m)
	return nil
}

func (s *fakeRecordStore) CreateJob(_ context.Context, j models.Job) error {
	if s.failJob {
		return errors.New("insert job failed")
	}
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *fakeRecordStore) GetModel(_ context.Context, id string) (models.Model, error) {
	for _, m := range s.models {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Model{}, store.ErrNotFound
}

func (s *fakeRecordStore) GetJob(_ context.Context, id string) (models.Job, error) {
	for _, j := range s.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

type fakeBlobStore struct {
	keys map[string]bool
}

func (b *fakeBlobStore) Exists(_ context.Context, key string) (bool, error) {
	return b.keys[key], nil
}

func (b *fakeBlobStore) Put(_ context.Context, key string, _ []byte, _ string) error {
	b.keys[key] = true
	return nil
}

func (b *fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if !b.keys[key] {
		return nil, blob.ErrNotFound
	}
	return []byte("{}"), nil
}

type fakeJobQueue struct {
	published []models.JobMessage
	fail      bool
}

func (q *fakeJobQueue) Publish(_ context.Context, msg models.JobMessage) error {
	if q.fail {
		return errors.New("publish failed")
	}
	q.published = append(q.published, msg)
	return nil
}

func newTestServer(st *fakeRecordStore, blobs *fakeBlobStore, q *fakeJobQueue) http.Handler {
	return New(config.Config{}, st, blobs, q, nil).Router()
}

func validBody() string {
	return `{
		"user_id": "u1",
		"model_name": "m1",
		"base_model": "llama-7b",
		"dataset_id": "d1",
		"training_params": {"epochs": 3, "batch_size": 8, "learning_rate": 0.0001}
	}`
}

func postFineTune(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/fine-tune", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFineTuneSuccess(t *testing.T) {
	st := &fakeRecordStore{}
	blobs := &fakeBlobStore{keys: map[string]bool{"datasets/d1/metadata.json": true}}
	q := &fakeJobQueue{}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, validBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp FineTuneResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != models.JobQueued {
		t.Fatalf("expected status queued, got %s", resp.Status)
	}
	if resp.JobID == "" || resp.ModelID == "" || resp.JobID == resp.ModelID {
		t.Fatalf("expected two distinct fresh ids, got job=%s model=%s", resp.JobID, resp.ModelID)
	}

	if len(st.models) != 1 || st.models[0].Status != models.ModelPending {
		t.Fatalf("expected one pending model, got %+v", st.models)
	}
	if len(st.jobs) != 1 || st.jobs[0].Status != models.JobQueued {
		t.Fatalf("expected one queued job, got %+v", st.jobs)
	}
	if st.jobs[0].ModelID != st.models[0].ID {
		t.Fatalf("job references wrong model: %s != %s", st.jobs[0].ModelID, st.models[0].ID)
	}

	if len(q.published) != 1 {
		t.Fatalf("expected exactly one published message, got %d", len(q.published))
	}
	msg := q.published[0]
	if msg.JobID != resp.JobID || msg.ModelID != resp.ModelID {
		t.Fatalf("message ids do not match response: %+v vs %+v", msg, resp)
	}
	if msg.Version != models.JobMessageVersion {
		t.Fatalf("expected version %d, got %d", models.JobMessageVersion, msg.Version)
	}
	if msg.TrainingParams.Epochs != 3 || msg.TrainingParams.BatchSize != 8 {
		t.Fatalf("training params not snapshotted: %+v", msg.TrainingParams)
	}
}

func TestFineTuneDatasetNotFound(t *testing.T) {
	st := &fakeRecordStore{}
	blobs := &fakeBlobStore{keys: map[string]bool{}}
	q := &fakeJobQueue{}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, validBody())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(st.models) != 0 || len(st.jobs) != 0 || len(q.published) != 0 {
		t.Fatalf("dataset miss must have zero side effects: models=%d jobs=%d published=%d",
			len(st.models), len(st.jobs), len(q.published))
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Fatalf("expected JSON error body, got %s", rec.Body.String())
	}
}

func TestFineTuneMalformedBody(t *testing.T) {
	st := &fakeRecordStore{}
	blobs := &fakeBlobStore{keys: map[string]bool{"datasets/d1/metadata.json": true}}
	q := &fakeJobQueue{}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(st.models) != 0 || len(st.jobs) != 0 || len(q.published) != 0 {
		t.Fatalf("malformed input must have zero side effects")
	}
}

func TestFineTuneValidation(t *testing.T) {
	cases := map[string]string{
		"missing user_id":    `{"model_name":"m","base_model":"b","dataset_id":"d","training_params":{"epochs":1,"batch_size":1,"learning_rate":0.1}}`,
		"missing dataset_id": `{"user_id":"u","model_name":"m","base_model":"b","training_params":{"epochs":1,"batch_size":1,"learning_rate":0.1}}`,
		"zero epochs":        `{"user_id":"u","model_name":"m","base_model":"b","dataset_id":"d","training_params":{"epochs":0,"batch_size":1,"learning_rate":0.1}}`,
		"negative lr":        `{"user_id":"u","model_name":"m","base_model":"b","dataset_id":"d","training_params":{"epochs":1,"batch_size":1,"learning_rate":-1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			st := &fakeRecordStore{}
			q := &fakeJobQueue{}
			h := newTestServer(st, &fakeBlobStore{keys: map[string]bool{}}, q)
			rec := postFineTune(t, h, body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if len(st.models)+len(st.jobs)+len(q.published) != 0 {
				t.Fatalf("validation failure must have zero side effects")
			}
		})
	}
}

func TestFineTuneModelInsertFailureWritesNothingElse(t *testing.T) {
	st := &fakeRecordStore{failModel: true}
	blobs := &fakeBlobStore{keys: map[string]bool{"datasets/d1/metadata.json": true}}
	q := &fakeJobQueue{}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, validBody())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(st.jobs) != 0 || len(q.published) != 0 {
		t.Fatalf("model insert failure must abort before job insert and publish")
	}
}

func TestFineTuneJobInsertFailureLeavesOrphanModel(t *testing.T) {
	st := &fakeRecordStore{failJob: true}
	blobs := &fakeBlobStore{keys: map[string]bool{"datasets/d1/metadata.json": true}}
	q := &fakeJobQueue{}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, validBody())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	// The model row stays behind; submission never compensates with deletes.
	if len(st.models) != 1 {
		t.Fatalf("expected orphan model row, got %d", len(st.models))
	}
	if len(q.published) != 0 {
		t.Fatalf("publish must not happen after job insert failure")
	}
}

func TestFineTunePublishFailure(t *testing.T) {
	st := &fakeRecordStore{}
	blobs := &fakeBlobStore{keys: map[string]bool{"datasets/d1/metadata.json": true}}
	q := &fakeJobQueue{fail: true}
	h := newTestServer(st, blobs, q)

	rec := postFineTune(t, h, validBody())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	// Both rows are written; the job stays queued with no message in flight.
	if len(st.models) != 1 || len(st.jobs) != 1 {
		t.Fatalf("expected rows written before publish failure")
	}
}

func TestLivenessAndHealth(t *testing.T) {
	h := newTestServer(&fakeRecordStore{}, &fakeBlobStore{keys: map[string]bool{}}, &fakeJobQueue{})

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
		if rec.Body.Len() == 0 {
			t.Fatalf("expected plaintext body for %s", path)
		}
	}
}

func TestGetJobAndModel(t *testing.T) {
	st := &fakeRecordStore{
		models: []models.Model{{ID: "m1", Status: models.ModelPending}},
		jobs:   []models.Job{{ID: "j1", ModelID: "m1", Status: models.JobQueued}},
	}
	h := newTestServer(st, &fakeBlobStore{keys: map[string]bool{}}, &fakeJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known job, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/models/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown model, got %d", rec.Code)
	}
}
