package obs

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/accounts/abc":                  "/v1/accounts/:id",
		"/v1/accounts/abc/transactions":     "/v1/accounts/:id/transactions",
		"/v1/accounts/abc/extra":            "/v1/accounts/abc/extra",
		"/v1/accounts":                      "/v1/accounts",
		"/v1/statistics?year=2026":          "/v1/statistics",
		"/v1/transfers":                     "/v1/transfers",
		"/v1/transfers/by-username":         "/v1/transfers/by-username",
		"/v1/accounts/abc/transactions?x=1": "/v1/accounts/:id/transactions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestObserveMovement(t *testing.T) {
	before := testutil.ToFloat64(movementsTotal.WithLabelValues("transfer", "conflict"))
	ObserveMovement("transfer", "conflict", 10*time.Millisecond)
	after := testutil.ToFloat64(movementsTotal.WithLabelValues("transfer", "conflict"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestInstrumentUsesCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/accounts/:id", "418"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/accounts/01HZX", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/accounts/:id", "418"))
	if after-before != 1 {
		t.Fatalf("expected labelled counter to grow by 1, got %v", after-before)
	}
	if testutil.ToFloat64(httpInFlight) != 0 {
		t.Fatalf("in-flight gauge not released")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "ledger_lock_wait_seconds") {
		t.Fatalf("metrics output misses ledger collectors")
	}
}

func TestInitBuildInfoKeepsOneSeries(t *testing.T) {
	InitBuildInfo(BuildInfo{Version: "1.2.0", Commit: "abc123", Store: "memory"})
	InitBuildInfo(BuildInfo{Version: "1.2.1", Store: "postgres"})

	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected a single build_info series, got %d", n)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("1.2.1", "unknown", runtime.Version(), "postgres")); v != 1 {
		t.Fatalf("build_info = %v, want 1", v)
	}
}
