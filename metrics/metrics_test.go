package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/power-ledger/billing"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(nil)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/bills/{period}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bills/2024-01", nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/bills/{period}", "404"))
	assert.Equal(t, 2.0, got)
}

func TestNotifier_CountsEvents(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	require.NoError(t, m.BillSubmitted(ctx, billing.BillSubmittedEvent{
		Bill: billing.Bill{IsMultiPeriod: true, TotalUsageKWh: 200},
	}))
	require.NoError(t, m.BillSubmitted(ctx, billing.BillSubmittedEvent{
		Bill: billing.Bill{TotalUsageKWh: 50}, Replaced: true,
	}))
	require.NoError(t, m.PeriodComplete(ctx, billing.PeriodCompleteEvent{}))
	require.NoError(t, m.Remind(ctx, billing.PeriodCompleteEvent{}))
	m.Export("xlsx", nil)
	m.Export("pdf", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BillsSubmitted.WithLabelValues("multi", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BillsSubmitted.WithLabelValues("single", "true")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.BilledKWh))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeriodsDone))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reminders))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exports.WithLabelValues("pdf", "error")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New(nil)
	m.PeriodsDone.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "power_ledger_periods_complete_total 1")
}
