package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycleMetrics(t *testing.T) {
	m := NewMetrics("test")

	m.RecordJobStarted()
	m.RecordJobStarted()
	m.RecordStageTransition("validating")
	m.RecordJobFinished("completed", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageTransitions.WithLabelValues("validating")))
}

func TestSubscriptionGauge(t *testing.T) {
	m := NewMetrics("test")

	m.IncrementActiveSubscriptions()
	m.IncrementActiveSubscriptions()
	m.DecrementActiveSubscriptions()
	m.RecordEventDelivered("progress")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSubscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDelivered.WithLabelValues("progress")))
}

func TestRecordModelLoad(t *testing.T) {
	m := NewMetrics("test")

	m.RecordModelLoad(4, nil, 10*time.Millisecond)
	m.RecordModelLoad(2, errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelLoads.WithLabelValues("4", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelLoads.WithLabelValues("2", "error")))
}

func TestHandler(t *testing.T) {
	m := NewMetrics("upscaler")
	m.RecordJobStarted()
	m.RecordSinkFailure("rabbitmq")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "upscaler_jobs_started_total 1"), "missing jobs_started_total")
	assert.Contains(t, body, `upscaler_event_sink_failures_total{sink="rabbitmq"} 1`)
}
