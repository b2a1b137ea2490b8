// logging.go — журнал HTTP-запросов через slog с request id и tenant.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader — заголовок корреляции запроса. Входящее значение
// от API Gateway сохраняется, иначе генерируется новый UUID.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen ограничивает длину чужого request id в логах.
const maxRequestIDLen = 128

// recorder запоминает итог обработки запроса: статус, объём ответа
// и tenant, определённый TenantAuth ниже по цепочке.
type recorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	tenantID int64
}

// record возвращает recorder поверх w. Если выше по цепочке обёртка
// уже создана, используется она же, чтобы метрики и журнал видели один статус.
func record(w http.ResponseWriter) *recorder {
	if rec, ok := w.(*recorder); ok {
		return rec
	}
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// noteTenant передаёт tenant в журнал запроса, если w обёрнут recorder.
func noteTenant(w http.ResponseWriter, tenantID int64) {
	if rec, ok := w.(*recorder); ok {
		rec.tenantID = tenantID
	}
}

func requestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	return id
}

// RequestLogger пишет по записи на запрос. 5xx идут в ERROR, 4xx в WARN,
// пробы /health/* и /metrics в DEBUG, остальное в INFO.
// Request id возвращается клиенту в заголовке X-Request-ID.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rid := requestID(r)
			w.Header().Set(RequestIDHeader, rid)

			rec := record(w)
			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("request_id", rid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(started)),
				slog.Int64("bytes", rec.bytes),
			}
			if rec.tenantID != 0 {
				attrs = append(attrs, slog.Int64("tenant_id", rec.tenantID))
			}
			logger.LogAttrs(r.Context(), levelFor(r.URL.Path, rec.status), "HTTP запрос", attrs...)
		})
	}
}

func levelFor(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case path == "/metrics" || strings.HasPrefix(path, "/health/"):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
