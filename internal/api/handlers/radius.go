// radius.go — обработчики учётных данных FreeRADIUS.
// Ручные операции допускаются только над логинами абонентов tenant.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
	"github.com/bigkaa/netsync/internal/domain/model"
)

type radiusUserCreateRequest struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Reply    map[string]string `json:"reply,omitempty"`
}

type radiusUserUpdateRequest struct {
	Password *string           `json:"password,omitempty"`
	Reply    map[string]string `json:"reply,omitempty"`
}

type accountingResponse struct {
	Summary  *model.AccountingSummary  `json:"summary"`
	Sessions []model.AccountingSession `json:"sessions"`
}

// ownedUsername проверяет, что логин из пути принадлежит tenant.
func (h *APIHandler) ownedUsername(w http.ResponseWriter, r *http.Request, tenantID int64, username string) bool {
	if username == "" {
		apierrors.ValidationError(w, "Логин обязателен")
		return false
	}
	if err := h.radius.CheckOwner(r.Context(), tenantID, username); err != nil {
		h.writeServiceError(w, err, "Ошибка проверки абонента")
		return false
	}
	return true
}

// CreateRadiusUser — POST /api/v1/radius/users.
func (h *APIHandler) CreateRadiusUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req radiusUserCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.ownedUsername(w, r, tenantID, req.Username) {
		return
	}
	if err := h.radius.CreateUser(r.Context(), req.Username, req.Password, req.Reply); err != nil {
		h.writeServiceError(w, err, "Ошибка создания пользователя RADIUS")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

// UpdateRadiusUser — PATCH /api/v1/radius/users/{username}.
func (h *APIHandler) UpdateRadiusUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")
	var req radiusUserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.ownedUsername(w, r, tenantID, username) {
		return
	}
	if err := h.radius.UpdateUser(r.Context(), username, req.Password, req.Reply); err != nil {
		h.writeServiceError(w, err, "Ошибка обновления пользователя RADIUS")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// DeleteRadiusUser — DELETE /api/v1/radius/users/{username}.
// Отсутствующий пользователь RADIUS — не ошибка.
func (h *APIHandler) DeleteRadiusUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")
	if !h.ownedUsername(w, r, tenantID, username) {
		return
	}
	if err := h.radius.DeleteUser(r.Context(), username); err != nil {
		h.writeServiceError(w, err, "Ошибка удаления пользователя RADIUS")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAccounting — GET /api/v1/radius/users/{username}/accounting.
func (h *APIHandler) GetAccounting(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	summary, sessions, err := h.radius.GetAccountingData(r.Context(), tenantID, chi.URLParam(r, "username"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения учёта")
		return
	}
	if sessions == nil {
		sessions = []model.AccountingSession{}
	}
	writeJSON(w, http.StatusOK, accountingResponse{Summary: summary, Sessions: sessions})
}

// SyncRadius — POST /api/v1/radius/sync. Сводит всех абонентов tenant.
func (h *APIHandler) SyncRadius(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	n, err := h.radius.SyncAll(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка синхронизации FreeRADIUS")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}
