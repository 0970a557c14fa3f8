package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.PassFinished(time.Second, false)
	r.PassFinished(time.Second, true)
	r.EventHandled("new", "created")
	r.EventHandled("new", "created")
	r.EventFailed("new", "transient")
	r.QueueOpened()
	r.OpenFailed("permanent")
	r.ChannelRenewed(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.passes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.passes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.handled.WithLabelValues("new", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("new", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.opened))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.openFailures.WithLabelValues("permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.renewals.WithLabelValues("ok")))

	// Registering twice on the same registry reuses the collectors.
	again := New(reg)
	again.QueueOpened()
	assert.Equal(t, 2.0, testutil.ToFloat64(r.opened))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.PassFinished(time.Second, false)
		r.EventHandled("new", "created")
		r.EventFailed("new", "permanent")
		r.QueueOpened()
		r.OpenFailed("permanent")
		r.ChannelRenewed(false)
	})
}

func TestHandler(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.QueueOpened()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "qm_opener_opened_total 1")
}
