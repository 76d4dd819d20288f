package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/recipients/{email}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/recipients/a@example.com", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/recipients/{email}", "404"))
	if got != 1 {
		t.Errorf("api_requests{route pattern} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("api_errors{not_found} = %v, want 1", got)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := map[int]string{
		500: "server_error",
		401: "auth_error",
		404: "not_found",
		409: "conflict",
		400: "bad_request",
		418: "client_error",
	}
	for status, want := range tests {
		if got := categorizeStatus(status); got != want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", status, got, want)
		}
	}
}
