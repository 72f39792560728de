package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserveRequest(t *testing.T) {
	ObserveRequest("metrics_test", time.Now().Add(-time.Millisecond))
	assert.Contains(t, scrape(t), `repomap_request_seconds_count{operation="metrics_test"} 1`)
}

func TestHandlerServesMetrics(t *testing.T) {
	WatcherEventsTotal.Inc()
	ParsingDuration.WithLabelValues("py").Observe(0.01)

	body := scrape(t)
	assert.Contains(t, body, "repomap_watcher_events_total")
	assert.Contains(t, body, `repomap_parsing_seconds_count{language="py"}`)
}

func TestServerStopWithoutStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	assert.NoError(t, s.Stop(t.Context()))
}
