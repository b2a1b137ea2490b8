// Пакет errors — ответы с ошибками HTTP API NetSync Module.
// Формат тела: {"error": {"code": "...", "message": "..."}}.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Коды ошибок.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeConflict          = "CONFLICT"
	CodeTenantMismatch    = "TENANT_MISMATCH"
	CodeRouterInactive    = "ROUTER_INACTIVE"
	CodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	CodeInProgress        = "IN_PROGRESS"
	CodeInternalError     = "INTERNAL_ERROR"
)

// retryAfter — подсказка клиенту для кодов, которые проходят сами:
// роутер оживает, параллельная операция над абонентом завершается.
var retryAfter = map[string]int{
	CodeDeviceUnavailable: 30,
	CodeInProgress:        2,
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки. Для временных отказов
// добавляется заголовок Retry-After в секундах.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if sec, ok := retryAfter[code]; ok {
		h.Set("Retry-After", strconv.Itoa(sec))
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// ValidationError — 400.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404. Чужие ресурсы tenant тоже отдаются как 404.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401, tenant не определён.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// Conflict — 409.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// TenantMismatch — 403, ссылка на объект другого tenant
// (например пакет абонента из чужого каталога).
func TenantMismatch(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeTenantMismatch, message)
}

// RouterInactive — 409, роутер выключен в учёте.
func RouterInactive(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeRouterInactive, message)
}

// InProgress — 409, над парой роутер/абонент уже идёт операция.
func InProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInProgress, message)
}

// DeviceUnavailable — 502, API роутера не ответило или вернуло ошибку.
func DeviceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeDeviceUnavailable, message)
}

// InternalError — 500.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
