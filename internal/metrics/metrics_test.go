package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObserveRun(t *testing.T) {
	m := New(prometheus.NewRegistry())
	started := time.Unix(1700000000, 0)

	m.ObserveRun("success", started, 2*time.Second)
	m.ObserveRun("partial", started, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("partial")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastSuccessfulRunTS))
}

func TestMetrics_AddRecordsIgnoresZero(t *testing.T) {
	m := New(nil)

	m.AddRecords("written", 0)
	m.AddRecords("failed", 3)

	assert.Equal(t, 1, testutil.CollectAndCount(m.RecordsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("failed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncWriteRetries()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "findings_ingestion_write_retries_total 1")
}
