package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/test", "404")
	before := testutil.ToFloat64(counter)

	h := Middleware("/api/test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/test?path=/x", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestGauges(t *testing.T) {
	SetWSClients(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(wsClients))
	SetWSClients(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(wsClients))

	SetWatchPending(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(watchPending))
}

func TestRecordScan(t *testing.T) {
	before := testutil.ToFloat64(scanNodes)
	RecordScan(5, 10*time.Millisecond)
	assert.Equal(t, before+5, testutil.ToFloat64(scanNodes))
}
