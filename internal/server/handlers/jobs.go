package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/beaconproof/internal/errors"
	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/pipeline"
)

// StartedMessage is returned when a job is accepted on the legacy route.
const StartedMessage = "Process started successfully!"

const maxBodyBytes = 1 << 16

// SubmitFunc queues a verification and returns its job id.
type SubmitFunc func(req pipeline.Request) (string, error)

// JobReader exposes job views. *jobregistry.Registry satisfies it.
type JobReader interface {
	Status(jobID string) jobregistry.JobView
	List() []jobregistry.JobView
}

// StartResponse is the body of POST /api/process/start.
type StartResponse struct {
	Message   string `json:"message"`
	ProcessID string `json:"processId"`
}

// ListResponse is the body of GET /api/v1/jobs.
type ListResponse struct {
	Jobs  []jobregistry.JobView `json:"jobs"`
	Count int                   `json:"count"`
}

// JobsHandler serves job submission and status.
type JobsHandler struct {
	submit SubmitFunc
	jobs   JobReader
}

// NewJobsHandler creates a handler.
func NewJobsHandler(submit SubmitFunc, jobs JobReader) *JobsHandler {
	return &JobsHandler{submit: submit, jobs: jobs}
}

// Start accepts a job and answers with its process id.
func (h *JobsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := h.accept(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Message: StartedMessage, ProcessID: id})
}

// ProcessStatus returns the view for the path's process id. Unknown ids
// answer 200 with status "unknown".
func (h *JobsHandler) ProcessStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Status(chi.URLParam(r, "processId")))
}

// Create accepts a job and answers 202 with its initial view.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := h.accept(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, h.jobs.Status(id))
}

// Get returns one job, or 404 for ids the registry does not hold.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	view := h.jobs.Status(id)
	if !view.Known() {
		err := apperrors.NewNotFoundError(jobregistry.UnknownJobMessage)
		err.Details = map[string]any{"jobId": id}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// List returns every retained job, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	views := h.jobs.List()
	writeJSON(w, http.StatusOK, ListResponse{Jobs: views, Count: len(views)})
}

func (h *JobsHandler) accept(r *http.Request) (string, error) {
	req, err := decodeRequest(r)
	if err != nil {
		return "", err
	}
	id, err := h.submit(req)
	if err != nil {
		if errors.Is(err, jobregistry.ErrExecutorStopped) {
			return "", apperrors.NewServiceUnavailableError("job executor is shutting down", nil)
		}
		return "", apperrors.WrapInternal(r.Context(), err, "failed to submit job")
	}
	observability.ServerLogger.Info("Job submitted",
		zap.String("job_id", id),
		zap.Uint64("slot", req.Slot),
		zap.Uint64("validator_index", req.ValidatorIndex),
		zap.String("request_id", observability.RequestID(r.Context())),
	)
	return id, nil
}

// decodeRequest reads {"slot": n, "validatorIndex": n}. Both fields are
// required non-negative integers; decimal strings are accepted.
func decodeRequest(r *http.Request) (pipeline.Request, error) {
	var body struct {
		Slot           json.RawMessage `json:"slot"`
		ValidatorIndex json.RawMessage `json:"validatorIndex"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return pipeline.Request{}, apperrors.NewValidationError("request body must be a JSON object", map[string]any{
			"reason": err.Error(),
		})
	}

	slot, err := parseUint("slot", body.Slot)
	if err != nil {
		return pipeline.Request{}, err
	}
	idx, err := parseUint("validatorIndex", body.ValidatorIndex)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{Slot: slot, ValidatorIndex: idx}, nil
}

func parseUint(field string, raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s is required", field), map[string]any{"field": field})
	}
	s := strings.TrimSpace(string(raw))
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		s = strings.TrimSpace(str)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s must be a non-negative integer", field), map[string]any{
			"field": field,
			"value": string(raw),
		})
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
