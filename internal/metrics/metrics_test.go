package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.FrameSent("token")
	m.ThreadRotated("sweep", 1)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.FrameSent("token")
	m.FrameSent("token")
	m.ThreadRotated("sweep", 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.streamConnections))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.framesSent.WithLabelValues("token")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, "threadstream_thread_rotations_total"))
	assert.True(t, strings.Contains(body, `threadstream_stream_frames_sent_total{event="token"} 2`))
}
