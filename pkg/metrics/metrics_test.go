package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/enrollments/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/enrollments/"+id, nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/api/enrollments/{id}", http.MethodGet, "404"))
	assert.Equal(t, 3.0, got)
}

func TestPaymentRecorded(t *testing.T) {
	m := New()
	m.PaymentRecorded("22K", "PRIMARY_INSTALLMENT", "SUCCESS", 0.7999)
	m.PaymentRecorded("22K", "PRIMARY_INSTALLMENT", "FAILED", 0.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("22K", "PRIMARY_INSTALLMENT", "SUCCESS")))
	assert.InDelta(t, 0.7999, testutil.ToFloat64(m.grams.WithLabelValues("22K")), 1e-9)
}

func TestSweepFinishedAndHandler(t *testing.T) {
	m := New()
	m.SweepFinished(4, nil)
	m.SweepFinished(2, errors.New("partial"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.overdueMonths))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "scheme_billing_sweeps_total"))
}
