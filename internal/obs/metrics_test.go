package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/v1/admin/users/{id}/role", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/admin/users/{id}/role", "418"))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/users/abc/role", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/users/xyz/role", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/admin/users/{id}/role", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests under one pattern, got %v", after-before)
	}
}

func TestObserveDecision(t *testing.T) {
	c := DecisionsTotal.WithLabelValues("deny", "insufficient_role")
	before := testutil.ToFloat64(c)
	ObserveDecision("deny", "insufficient_role")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("expected increment of 1, got %v", got)
	}
}
