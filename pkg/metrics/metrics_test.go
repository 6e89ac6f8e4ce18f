package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/metrics"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithNodeID("node-a"))

	m.TaskEnqueued("report", task.PersistSuccess)
	m.TaskEnqueued("report", task.PersistSuccess)
	m.TaskEnqueued("report", task.PersistUniqueConstraint)
	m.TaskClaimed("report")
	m.TaskClaimed("report")
	m.TaskFinished("report", 10*time.Millisecond, nil)
	m.TaskFinished("report", 20*time.Millisecond, errors.New("boom"))
	m.TaskClaimed("report")
	m.TickCompleted("dispatch", time.Millisecond, nil)
	m.TickCompleted("maintenance", time.Millisecond, errors.New("db down"))

	expected := `
# HELP clustertasks_tasks_enqueued_total Submitted tasks by processor type and persistence result.
# TYPE clustertasks_tasks_enqueued_total counter
clustertasks_tasks_enqueued_total{node="node-a",processor_type="report",result="SUCCESS"} 2
clustertasks_tasks_enqueued_total{node="node-a",processor_type="report",result="UNIQUE_CONSTRAINT_FAILURE"} 1
# HELP clustertasks_tasks_failed_total Tasks whose processor returned an error or panicked.
# TYPE clustertasks_tasks_failed_total counter
clustertasks_tasks_failed_total{node="node-a",processor_type="report"} 1
# HELP clustertasks_tasks_running Tasks currently running on this node.
# TYPE clustertasks_tasks_running gauge
clustertasks_tasks_running{node="node-a",processor_type="report"} 1
# HELP clustertasks_loop_tick_errors_total Control loop ticks that ended with an error.
# TYPE clustertasks_loop_tick_errors_total counter
clustertasks_loop_tick_errors_total{loop="maintenance",node="node-a"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"clustertasks_tasks_enqueued_total",
		"clustertasks_tasks_failed_total",
		"clustertasks_tasks_running",
		"clustertasks_loop_tick_errors_total",
	))

	n, err := testutil.GatherAndCount(reg, "clustertasks_loop_tick_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNamespace(t *testing.T) {
	t.Parallel()

	m := metrics.New(metrics.WithNamespace("billing"))
	m.TaskClaimed("invoice")

	n, err := testutil.GatherAndCount(m.Registry(), "billing_tasks_claimed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.New(metrics.WithRegistry(reg))
	assert.Panics(t, func() { metrics.New(metrics.WithRegistry(reg)) })
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := metrics.New(metrics.WithRuntimeMetrics())
	m.TaskClaimed("report")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clustertasks_tasks_claimed_total{processor_type="report"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
