package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reelforge/internal/httpkit"
	"reelforge/internal/jobs"
	"reelforge/internal/worker"
)

const (
	defaultMaxAttempts = 3
	maxMaxAttempts     = 10

	outputURLTTL = 30 * time.Minute
)

type CreateJobRequest struct {
	InputRefs   []string       `json:"input_refs"`
	Params      map[string]any `json:"params"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "invalid json body", nil)
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	// Reject malformed params at submission; the worker re-validates
	// but a bad job should never reach the queue.
	params, err := worker.ParseParams(req.Params)
	if err != nil {
		httpkit.WriteError(w, err)
		return
	}

	if params.Mode == worker.ModeConcat {
		if len(req.InputRefs) != 2 {
			httpkit.WriteErr(w, 400, "VALIDATION_ERROR",
				"concat jobs need exactly 2 video clip refs",
				map[string]any{"field": "input_refs"})
			return
		}
	} else if len(req.InputRefs) < 1 || len(req.InputRefs) > 2 {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR",
			"input_refs must contain the narration audio ref and optionally a bgm ref",
			map[string]any{"field": "input_refs"})
		return
	}
	for _, ref := range req.InputRefs {
		if strings.TrimSpace(ref) == "" {
			httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "input_refs must not contain empty refs",
				map[string]any{"field": "input_refs"})
			return
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > maxMaxAttempts {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "max_attempts out of range",
			map[string]any{"field": "max_attempts"})
		return
	}

	job := &jobs.Job{
		ID:          "job_" + uuid.NewString(),
		State:       jobs.StateQueued,
		InputRefs:   req.InputRefs,
		Params:      req.Params,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.store.Create(ctx, job); err != nil {
		log.Error("job insert failed", "error", err.Error())
		httpkit.WriteError(w, err)
		return
	}

	if err := h.queue.Enqueue(ctx, job.ID); err != nil {
		log.Error("queue push failed", "job_id", job.ID, "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "queue push failed", nil)
		return
	}

	log.Info("job accepted", "job_id", job.ID, "inputs", len(job.InputRefs))
	httpkit.WriteJSON(w, 201, map[string]any{"job": h.jobView(r, job)})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		httpkit.WriteError(w, err)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{"job": h.jobView(r, job)})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := jobs.State(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))
	if state != "" && !state.Valid() {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "unknown state filter",
			map[string]any{"state": string(state)})
		return
	}

	limit := 50
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	list, err := h.store.List(ctx, state, limit)
	if err != nil {
		h.log.FromContext(ctx).Error("job list failed", "error", err.Error())
		httpkit.WriteError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(list))
	for _, job := range list {
		out = append(out, h.jobView(r, job))
	}
	httpkit.WriteJSON(w, 200, map[string]any{"jobs": out})
}

// StreamOutput serves the rendered artifact directly. This is the
// fallback delivery path for providers that cannot sign URLs.
func (h *Handler) StreamOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		httpkit.WriteError(w, err)
		return
	}
	if job.State != jobs.StateSucceeded || job.OutputRef == "" {
		httpkit.WriteErr(w, 409, "CONFLICT", "job has no output",
			map[string]any{"state": string(job.State)})
		return
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, job.OutputRef)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "output artifact missing",
			map[string]any{"output_ref": job.OutputRef})
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}

// jobView is the wire shape of a job. Succeeded jobs carry an
// output_url: a provider-signed URL when the store can sign, otherwise
// a link back to the streaming endpoint.
func (h *Handler) jobView(r *http.Request, job *jobs.Job) map[string]any {
	view := map[string]any{
		"id":            job.ID,
		"state":         job.State,
		"input_refs":    job.InputRefs,
		"params":        job.Params,
		"attempt_count": job.AttemptCount,
		"max_attempts":  job.MaxAttempts,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}
	if job.Failure != nil {
		view["failure"] = job.Failure
	}
	if job.State == jobs.StateSucceeded && job.OutputRef != "" {
		view["output_ref"] = job.OutputRef
		view["output_url"] = h.outputURL(r, job)
	}
	return view
}

func (h *Handler) outputURL(r *http.Request, job *jobs.Job) string {
	signed, err := h.sp.GetSignedURL(r.Context(), job.OutputRef, outputURLTTL)
	if err == nil && signed.URL != "" {
		return signed.URL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/jobs/" + job.ID + "/output"
}
