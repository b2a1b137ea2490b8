// handler.go — основной обработчик HTTP API NetSync Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
// Tenant всегда берётся из контекста запроса (middleware.TenantAuth).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
	"github.com/bigkaa/netsync/internal/api/middleware"
	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/service"
)

// IPAM — операции пулов, подсетей и выделений адресов.
type IPAM interface {
	CreatePool(ctx context.Context, tenantID int64, name, purpose string, start, end *netip.Addr) (*model.IPPool, error)
	SetPoolStatus(ctx context.Context, tenantID, poolID int64, status string) (*model.IPPool, error)
	GetPoolUtilization(ctx context.Context, tenantID, poolID int64) (*model.PoolUtilization, error)
	CreateSubnet(ctx context.Context, tenantID, poolID int64, network string, prefixLength int, gateway string) (*model.IPSubnet, error)
	Allocate(ctx context.Context, tenantID, subnetID int64, a model.Assignee) (*model.IPAllocation, error)
	GetAvailableIPs(ctx context.Context, tenantID, subnetID int64, limit int) ([]netip.Addr, error)
	Release(ctx context.Context, tenantID, allocationID int64) (bool, error)
	History(ctx context.Context, tenantID, allocationID int64) ([]*model.AllocationHistoryEntry, error)
}

// Radius — операции учётных данных FreeRADIUS.
type Radius interface {
	CheckOwner(ctx context.Context, tenantID int64, username string) error
	CreateUser(ctx context.Context, username, password string, reply map[string]string) error
	UpdateUser(ctx context.Context, username string, password *string, reply map[string]string) error
	DeleteUser(ctx context.Context, username string) error
	SyncAll(ctx context.Context, tenantID int64) (int, error)
	GetAccountingData(ctx context.Context, tenantID int64, username string) (*model.AccountingSummary, []model.AccountingSession, error)
}

// Routers — операции над роутерами tenant.
type Routers interface {
	GetRouter(ctx context.Context, tenantID, routerID int64) (*model.Router, error)
	ConnectRouter(ctx context.Context, router *model.Router) bool
	DeprovisionUser(ctx context.Context, router *model.Router, tenantID int64, username string) model.ProvisionResult
	GetActiveSessions(ctx context.Context, router *model.Router) ([]model.ActiveSession, error)
	DisconnectSession(ctx context.Context, router *model.Router, sessionID string) error
}

// Reconciler — сверка зеркала PPP secrets с роутером.
type Reconciler interface {
	SyncOne(ctx context.Context, router *model.Router) (*model.RouterSyncResult, error)
}

// Sync — обработка событий жизненного цикла абонентов.
type Sync interface {
	HandleEvent(ctx context.Context, ev model.LifecycleEvent) (*model.SyncOutcome, error)
	Enqueue(ctx context.Context, ev model.LifecycleEvent) (*model.SyncJob, error)
	ProvisionOnRouter(ctx context.Context, tenantID, routerID int64, username string) (model.ProvisionResult, error)
	MigratePackagePool(ctx context.Context, tenantID, packageID int64, dryRun, async bool) (*model.PoolMigration, error)
}

// DeadLetters — просмотр и возврат заданий dead-letter.
type DeadLetters interface {
	ListDead(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error)
	Requeue(ctx context.Context, tenantID, jobID int64) (*model.SyncJob, error)
}

// APIHandler — основной обработчик API NetSync Module.
type APIHandler struct {
	health     *HealthHandler
	ipam       IPAM
	radius     Radius
	routers    Routers
	reconciler Reconciler
	sync       Sync
	dead       DeadLetters
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	ipam IPAM,
	radius Radius,
	routers Routers,
	reconciler Reconciler,
	sync Sync,
	dead DeadLetters,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:     health,
		ipam:       ipam,
		radius:     radius,
		routers:    routers,
		reconciler: reconciler,
		sync:       sync,
		dead:       dead,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты /api/v1. Вызывается внутри группы
// с middleware определения tenant.
func (h *APIHandler) Routes(r chi.Router) {
	r.Post("/events", h.PostEvent)

	r.Post("/ip-pools", h.CreatePool)
	r.Patch("/ip-pools/{id}/status", h.SetPoolStatus)
	r.Get("/ip-pools/{id}/utilization", h.GetPoolUtilization)
	r.Post("/ip-pools/{id}/subnets", h.CreateSubnet)
	r.Post("/ip-subnets/{id}/allocations", h.Allocate)
	r.Get("/ip-subnets/{id}/available", h.GetAvailableIPs)
	r.Delete("/ip-allocations/{id}", h.ReleaseAllocation)
	r.Get("/ip-allocations/{id}/history", h.GetAllocationHistory)
	r.Post("/packages/{id}/pool-migration", h.MigratePackagePool)

	r.Post("/radius/users", h.CreateRadiusUser)
	r.Patch("/radius/users/{username}", h.UpdateRadiusUser)
	r.Delete("/radius/users/{username}", h.DeleteRadiusUser)
	r.Get("/radius/users/{username}/accounting", h.GetAccounting)
	r.Post("/radius/sync", h.SyncRadius)

	r.Get("/routers/{id}/health", h.RouterHealth)
	r.Post("/routers/{id}/users", h.ProvisionRouterUser)
	r.Delete("/routers/{id}/users/{username}", h.DeprovisionRouterUser)
	r.Get("/routers/{id}/sessions", h.ListSessions)
	r.Delete("/routers/{id}/sessions/{sessionID}", h.DisconnectSession)
	r.Post("/routers/{id}/reconcile", h.ReconcileRouter)

	r.Get("/sync-jobs/dead", h.ListDeadJobs)
	r.Post("/sync-jobs/{id}/requeue", h.RequeueJob)
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. Неизвестные поля — ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// tenant возвращает tenant запроса. Без tenant запрос не обслуживается.
func tenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Tenant запроса не определён")
		return 0, false
	}
	return id, true
}

// pathID разбирает числовой параметр пути.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		apierrors.ValidationError(w, "Некорректный параметр пути "+name)
		return 0, false
	}
	return id, true
}

// queryLimit разбирает limit из query с ограничением сверху.
func queryLimit(r *http.Request, def, max int) int {
	l, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || l < 1 {
		return def
	}
	if l > max {
		return max
	}
	return l
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// Необработанные ошибки логируются, клиент получает только op.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrTenantMismatch):
		apierrors.TenantMismatch(w, err.Error())
	case errors.Is(err, service.ErrRouterInactive):
		apierrors.RouterInactive(w, err.Error())
	case errors.Is(err, service.ErrInProgress):
		apierrors.InProgress(w, err.Error())
	case errors.Is(err, service.ErrDeviceUnavailable):
		apierrors.DeviceUnavailable(w, err.Error())
	default:
		h.logger.Error(op, slog.String("error", err.Error()))
		apierrors.InternalError(w, op)
	}
}

// writeProvisionResult отдаёт итог операции над роутером: 200 при успехе,
// 502 при отказе устройства, 409 при отказе до обращения к устройству.
func writeProvisionResult(w http.ResponseWriter, res model.ProvisionResult) {
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.Retryable:
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}
