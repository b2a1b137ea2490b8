// routers.go — обработчики операций над роутерами MikroTik tenant.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
	"github.com/bigkaa/netsync/internal/domain/model"
)

type provisionRequest struct {
	Username string `json:"username"`
}

type routerHealthResponse struct {
	RouterID   int64      `json:"router_id"`
	Reachable  bool       `json:"reachable"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// router возвращает роутер tenant из параметра пути.
func (h *APIHandler) router(w http.ResponseWriter, r *http.Request) (int64, *model.Router, bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return 0, nil, false
	}
	routerID, ok := pathID(w, r, "id")
	if !ok {
		return 0, nil, false
	}
	rt, err := h.routers.GetRouter(r.Context(), tenantID, routerID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения роутера")
		return 0, nil, false
	}
	return tenantID, rt, true
}

// RouterHealth — GET /api/v1/routers/{id}/health.
// Недоступный роутер — 200 с reachable: false.
func (h *APIHandler) RouterHealth(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.router(w, r)
	if !ok {
		return
	}
	reachable := h.routers.ConnectRouter(r.Context(), rt)
	resp := routerHealthResponse{
		RouterID:   rt.ID,
		Reachable:  reachable,
		Status:     rt.Status,
		LastSeenAt: rt.LastSeenAt,
	}
	if reachable {
		now := time.Now().UTC()
		resp.LastSeenAt = &now
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProvisionRouterUser — POST /api/v1/routers/{id}/users.
func (h *APIHandler) ProvisionRouterUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	routerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req provisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		apierrors.ValidationError(w, "Логин обязателен")
		return
	}
	res, err := h.sync.ProvisionOnRouter(r.Context(), tenantID, routerID, req.Username)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка подключения абонента на роутере")
		return
	}
	writeProvisionResult(w, res)
}

// DeprovisionRouterUser — DELETE /api/v1/routers/{id}/users/{username}.
// Отсутствующий на роутере secret — успех.
func (h *APIHandler) DeprovisionRouterUser(w http.ResponseWriter, r *http.Request) {
	tenantID, rt, ok := h.router(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")
	if username == "" {
		apierrors.ValidationError(w, "Логин обязателен")
		return
	}
	writeProvisionResult(w, h.routers.DeprovisionUser(r.Context(), rt, tenantID, username))
}

// ListSessions — GET /api/v1/routers/{id}/sessions.
func (h *APIHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.router(w, r)
	if !ok {
		return
	}
	sessions, err := h.routers.GetActiveSessions(r.Context(), rt)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения сессий")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions, "total": len(sessions)})
}

// DisconnectSession — DELETE /api/v1/routers/{id}/sessions/{sessionID}.
func (h *APIHandler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.router(w, r)
	if !ok {
		return
	}
	if err := h.routers.DisconnectSession(r.Context(), rt, chi.URLParam(r, "sessionID")); err != nil {
		h.writeServiceError(w, err, "Ошибка завершения сессии")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReconcileRouter — POST /api/v1/routers/{id}/reconcile.
func (h *APIHandler) ReconcileRouter(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.router(w, r)
	if !ok {
		return
	}
	res, err := h.reconciler.SyncOne(r.Context(), rt)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка сверки роутера")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
