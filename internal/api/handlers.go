package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"patchbench/internal/bench"
	"patchbench/internal/publish"
	"patchbench/internal/storage"
)

// Runner executes benchmarks; *bench.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req bench.Request, stream io.Writer) (*bench.Result, error)
	Stop() bench.StopStatus
	Running() bool
}

// Publisher handles submissions; *publish.Gatekeeper implements it.
type Publisher interface {
	Submit(ctx context.Context, sub publish.Submission) publish.Outcome
	StartDeviceAuth(ctx context.Context) publish.Outcome
	SaveToken(token string) error
	DeviceFlowEnabled() bool
}

// History is the run history store; *storage.DB implements it.
type History interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error)
	Healthy(ctx context.Context) bool
}

// SubmissionSource reads the local submission log.
type SubmissionSource interface {
	ReadAll() ([]storage.SubmissionRecord, error)
}

type Handlers struct {
	runner      Runner
	publisher   Publisher
	history     History
	submissions SubmissionSource
}

func NewHandlers(runner Runner, publisher Publisher, history History, submissions SubmissionSource) *Handlers {
	return &Handlers{
		runner:      runner,
		publisher:   publisher,
		history:     history,
		submissions: submissions,
	}
}

func (h *Handlers) decodeBenchmark(w http.ResponseWriter, r *http.Request) (bench.Request, bool) {
	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return bench.Request{}, false
	}
	return bench.Request{
		Target:    req.PRURL,
		Workload:  req.WorkloadCode,
		Patch:     req.Patch,
		RequestIP: clientIP(r),
	}, true
}

// runError maps errors that stop a run before it starts. It reports false
// when err belongs in the response body instead.
func runError(err error) (msg, code string, status int, ok bool) {
	switch {
	case errors.Is(err, bench.ErrValidation):
		return err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, true
	case errors.Is(err, bench.ErrBusy):
		return "a benchmark is already running", "BUSY", http.StatusConflict, true
	}
	return "", "", 0, false
}

func (h *Handlers) HandleRunBenchmark(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBenchmark(w, r)
	if !ok {
		return
	}

	res, err := h.runner.Run(r.Context(), req, nil)
	if msg, code, status, ok := runError(err); ok {
		writeError(w, msg, code, status, r)
		return
	}
	if res == nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("benchmark failed")
		writeError(w, "benchmark failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	// Availability and session failures still produce a result the page can show.
	writeJSON(w, http.StatusOK, responseFromResult(res))
}

func (h *Handlers) HandleRunBenchmarkStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBenchmark(w, r)
	if !ok {
		return
	}

	output := NewSSEWriter(w, "output")
	if output == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	res, err := h.runner.Run(r.Context(), req, output)
	if msg, code, _, ok := runError(err); ok {
		data, _ := json.Marshal(ErrorResponse{Error: msg, Code: code, RequestID: RequestIDFromContext(r.Context())})
		sendSSEError(w, string(data))
		return
	}
	if res == nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming benchmark failed")
		sendSSEError(w, `{"error":"benchmark failed","code":"INTERNAL"}`)
		return
	}

	data, err := json.Marshal(responseFromResult(res))
	if err != nil {
		sendSSEError(w, `{"error":"encoding result failed","code":"INTERNAL"}`)
		return
	}
	sendSSEDone(w, string(data))
}

func (h *Handlers) HandleStopBenchmark(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Stop())
}

func (h *Handlers) HandleUploadRun(w http.ResponseWriter, r *http.Request) {
	var sub publish.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	// A disconnecting browser must not abandon an upload halfway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()

	out := h.publisher.Submit(ctx, sub)
	writeJSON(w, out.HTTPStatus, out)
}

func (h *Handlers) HandleUploadStart(w http.ResponseWriter, r *http.Request) {
	out := h.publisher.StartDeviceAuth(r.Context())
	writeJSON(w, out.HTTPStatus, out)
}

func (h *Handlers) HandleUploadToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Token == "" {
		writeError(w, "token is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if err := h.publisher.SaveToken(req.Token); err != nil {
		log.Error().Err(err).Msg("saving token failed")
		writeError(w, "saving token failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.submissions.ReadAll()
	if err != nil {
		log.Error().Err(err).Msg("reading submission log failed")
		writeError(w, "reading submission log failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if recs == nil {
		recs = []storage.SubmissionRecord{}
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(recs) {
		recs = recs[len(recs)-n:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": recs, "count": len(recs)})
}

func (h *Handlers) HandleListBenchmarks(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.RunFilter{
		ImageTag: q.Get("image"),
		Status:   q.Get("status"),
		Limit:    100,
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 1000 {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	runs, err := h.history.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing runs failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) HandleGetBenchmark(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "run ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.history == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.history.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("run_id", id).Msg("loading run failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
