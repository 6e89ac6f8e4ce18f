package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/clustertasks"
	"github.com/dmitrymomot/clustertasks/pkg/health"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const maxSubmitBytes = 4 << 20 // 4MB

// taskService is the part of the service the HTTP API drives.
type taskService interface {
	Enqueue(ctx context.Context, kind clustertasks.ProviderKind, processorType string, tasks ...*clustertasks.ClusterTask) ([]clustertasks.PersistenceResult, error)
	CountTasks(ctx context.Context, kind clustertasks.ProviderKind, processorType string, statuses ...task.Status) (int, error)
	CountTasksByKey(ctx context.Context, kind clustertasks.ProviderKind, processorType, concurrencyKey string, statuses ...task.Status) (int, error)
}

type submitRequest struct {
	Tasks []submitTask `json:"tasks"`
}

type submitTask struct {
	Body           string `json:"body"`
	UniquenessKey  string `json:"uniqueness_key,omitempty"`
	ConcurrencyKey string `json:"concurrency_key,omitempty"`
	Delay          string `json:"delay,omitempty"`
	MaxTimeToRun   string `json:"max_time_to_run,omitempty"`
}

type submitResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	ID     int64  `json:"id,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter wires the diagnostics and submission endpoints.
func newRouter(svc taskService, ready health.Checks, metricsHandler http.Handler, opts ...health.Option) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health/live", health.LivenessHandler(opts...))
	r.Get("/health/ready", health.ReadinessHandler(ready, opts...))
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	api := &tasksAPI{svc: svc}
	r.Post("/tasks/{type}", api.submit)
	r.Get("/tasks/{type}/count", api.count)

	return r
}

type tasksAPI struct {
	svc taskService
}

func (a *tasksAPI) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	tasks := make([]*clustertasks.ClusterTask, 0, len(req.Tasks))
	for _, st := range req.Tasks {
		ct, err := st.clusterTask()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		tasks = append(tasks, ct)
	}

	results, err := a.svc.Enqueue(r.Context(), clustertasks.KindDB, chi.URLParam(r, "type"), tasks...)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	out := make([]submitResult, len(results))
	for i, res := range results {
		out[i] = submitResult{ID: res.ID, Status: res.Status.String()}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (a *tasksAPI) count(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	statuses := make([]task.Status, 0, len(q["status"]))
	for _, raw := range q["status"] {
		st := task.Status(raw)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + raw})
			return
		}
		statuses = append(statuses, st)
	}

	var (
		n   int
		err error
	)
	typ := chi.URLParam(r, "type")
	if key := q.Get("key"); key != "" {
		n, err = a.svc.CountTasksByKey(r.Context(), clustertasks.KindDB, typ, key, statuses...)
	} else {
		n, err = a.svc.CountTasks(r.Context(), clustertasks.KindDB, typ, statuses...)
	}
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (st submitTask) clusterTask() (*clustertasks.ClusterTask, error) {
	ct := task.New(st.Body)
	if st.UniquenessKey != "" {
		ct.WithUniquenessKey(st.UniquenessKey)
	}
	if st.ConcurrencyKey != "" {
		ct.WithConcurrencyKey(st.ConcurrencyKey)
	}
	if st.Delay != "" {
		d, err := time.ParseDuration(st.Delay)
		if err != nil {
			return nil, err
		}
		ct.WithDelay(d)
	}
	if st.MaxTimeToRun != "" {
		d, err := time.ParseDuration(st.MaxTimeToRun)
		if err != nil {
			return nil, err
		}
		ct.WithMaxTimeToRun(d)
	}
	return ct, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, clustertasks.ErrNotReady),
		errors.Is(err, clustertasks.ErrInitFailed),
		errors.Is(err, clustertasks.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, clustertasks.ErrInvalidProcessorType),
		errors.Is(err, clustertasks.ErrNoTasks),
		errors.Is(err, clustertasks.ErrNilTask),
		errors.Is(err, clustertasks.ErrUnknownProviderKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
