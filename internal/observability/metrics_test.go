package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGauges(t *testing.T) {
	m := getMetrics()

	SetActiveSessions(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.sessionsActive))

	SetActiveTransactions(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.transactionsActive))

	SetQueueSize("async", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.asyncQueueSize.WithLabelValues("async")))
}

func TestCounters(t *testing.T) {
	m := getMetrics()

	before := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("PING", "ok"))
	RecordDispatch("PING", "ok", time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("PING", "ok")))

	before = testutil.ToFloat64(m.asyncCompleted.WithLabelValues("async", "error"))
	RecordQueueCompletion("async", time.Millisecond, false, 0)
	assert.Equal(t, before+1, testutil.ToFloat64(m.asyncCompleted.WithLabelValues("async", "error")))

	before = testutil.ToFloat64(m.clientResets)
	RecordClientReset()
	assert.Equal(t, before+1, testutil.ToFloat64(m.clientResets))
}

func TestMetricsHandler(t *testing.T) {
	RecordSessionOpened()
	RecordDispatch("OPEN", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessions_opened_total")
	assert.Contains(t, rec.Body.String(), "dispatch_total")
}
