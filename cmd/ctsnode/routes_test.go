package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks"
	"github.com/dmitrymomot/clustertasks/pkg/health"
	"github.com/dmitrymomot/clustertasks/pkg/metrics"
	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/provider/memory"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// newTestRouter starts a node whose echo processor is disabled, so submitted
// tasks stay PENDING.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	m := metrics.New()
	svc := clustertasks.New(
		clustertasks.WithProvider(clustertasks.KindDB, memory.New()),
		clustertasks.WithProcessors(processor.New(echoType, func(context.Context, task.Task) error {
			return nil
		}, processor.WithDisabled())),
		clustertasks.WithObserver(m),
	)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return newRouter(svc, health.Checks{"clustertasks": svc.Healthcheck()}, m.Handler())
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Health(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/ready", "").Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
}

func TestRoutes_SubmitAndCount(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/tasks/echo", `{"tasks":[
		{"body":"{\"message\":\"a\"}","uniqueness_key":"k1"},
		{"body":"{\"message\":\"b\"}","uniqueness_key":"k1"},
		{"body":"{\"message\":\"c\"}","concurrency_key":"k2","delay":"1h"}
	]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var results []submitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 3)
	assert.Equal(t, task.PersistSuccess.String(), results[0].Status)
	assert.NotZero(t, results[0].ID)
	assert.Equal(t, task.PersistUniqueConstraint.String(), results[1].Status)
	assert.Equal(t, task.PersistSuccess.String(), results[2].Status)

	rec = do(t, h, http.MethodGet, "/tasks/echo/count?status=PENDING", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var count countResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, 2, count.Count)

	rec = do(t, h, http.MethodGet, "/tasks/echo/count?key=k2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, 1, count.Count)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clustertasks_tasks_enqueued_total{processor_type="echo",result="UNIQUE_CONSTRAINT_FAILURE"} 1`)
}

func TestRoutes_Errors(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "malformed body", method: http.MethodPost, target: "/tasks/echo", body: "{", want: http.StatusBadRequest},
		{name: "no tasks", method: http.MethodPost, target: "/tasks/echo", body: `{"tasks":[]}`, want: http.StatusBadRequest},
		{name: "bad delay", method: http.MethodPost, target: "/tasks/echo", body: `{"tasks":[{"delay":"soon"}]}`, want: http.StatusBadRequest},
		{name: "long type", method: http.MethodPost, target: "/tasks/" + strings.Repeat("x", 41), body: `{"tasks":[{}]}`, want: http.StatusBadRequest},
		{name: "unknown status", method: http.MethodGet, target: "/tasks/echo/count?status=DONE", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusServiceUnavailable, statusFor(clustertasks.ErrNotReady))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.Join(clustertasks.ErrInitFailed, errors.New("db down"))))
	assert.Equal(t, http.StatusBadRequest, statusFor(clustertasks.ErrNilTask))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
