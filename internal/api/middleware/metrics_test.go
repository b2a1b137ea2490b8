package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_RoutePattern проверяет, что лейбл path — шаблон
// маршрута, а не конкретный идентификатор.
func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware())
	r.Get("/api/v1/routers/{id}/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/routers/{id}/health", "202"))
	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/routers/"+id+"/health", nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/routers/{id}/health", "202"))
	if after-before != 3 {
		t.Errorf("прирост счётчика %v, ожидалось 3", after-before)
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	tests := []struct {
		path      string
		status    int
		wantLevel string
	}{
		{"/api/v1/ip-pools", http.StatusCreated, "level=INFO"},
		{"/api/v1/ip-pools/9", http.StatusNotFound, "level=WARN"},
		{"/api/v1/routers/1/health", http.StatusBadGateway, "level=ERROR"},
		{"/health/live", http.StatusOK, ""},
	}
	for _, tt := range tests {
		buf.Reset()
		h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		out := buf.String()
		if tt.wantLevel == "" {
			if out != "" {
				t.Errorf("%s: health-проба не должна логироваться на INFO: %s", tt.path, out)
			}
			continue
		}
		if !strings.Contains(out, tt.wantLevel) {
			t.Errorf("%s: ожидался %s, лог: %s", tt.path, tt.wantLevel, out)
		}
	}
}

func TestRequestLogger_RequestIDAndTenant(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	auth := NewTenantAuthWithKeyfunc(nil, "", "", logger)
	h := MetricsMiddleware()(RequestLogger(logger)(auth.Middleware()(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	)))

	// Входящий request id сохраняется, tenant попадает в журнал
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/routers/1/sessions/x", nil)
	req.Header.Set(RequestIDHeader, "gw-42")
	req.Header.Set(TenantHeader, "17")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "gw-42" {
		t.Errorf("X-Request-ID = %q, ожидалось gw-42", got)
	}
	out := buf.String()
	if !strings.Contains(out, "request_id=gw-42") || !strings.Contains(out, "tenant_id=17") {
		t.Errorf("в журнале нет request_id или tenant_id: %s", out)
	}

	// Без входящего id генерируется новый
	buf.Reset()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/ip-pools/1/utilization", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if len(w.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("ожидался сгенерированный UUID, получено %q", w.Header().Get(RequestIDHeader))
	}
	if strings.Contains(buf.String(), "tenant_id=") {
		t.Errorf("запрос без tenant не должен нести tenant_id: %s", buf.String())
	}
}
