package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New()

	m.ObserveRequest("http", 4545, "is", 5*time.Millisecond, nil)
	m.ObserveRequest("http", 4545, "is", 5*time.Millisecond, nil)
	m.ObserveRequest("http", 4545, "proxy", time.Millisecond, util.NewInvalidProxyError("down", "http://origin"))
	m.ObserveRequest("tcp", 5555, "none", time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("http", "4545", "is")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("http", "4545", string(util.InvalidProxyError))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("tcp", "5555", "internal error")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("https", 8443, "inject", time.Millisecond, nil)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `mb_imposter_requests_total{port="8443",protocol="https",response="inject"} 1`)
	assert.Contains(t, string(body), "mb_imposter_response_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
	assert.NotNil(t, m.Registry())
}
