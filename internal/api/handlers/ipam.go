// ipam.go — обработчики пулов, подсетей и выделений адресов.
package handlers

import (
	"net/http"
	"net/netip"
	"time"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
	"github.com/bigkaa/netsync/internal/domain/model"
)

type poolCreateRequest struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	StartIP string `json:"start_ip,omitempty"`
	EndIP   string `json:"end_ip,omitempty"`
}

type poolStatusRequest struct {
	Status string `json:"status"`
}

type poolResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Purpose   string    `json:"purpose"`
	StartIP   string    `json:"start_ip,omitempty"`
	EndIP     string    `json:"end_ip,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type utilizationResponse struct {
	PoolID             int64   `json:"pool_id"`
	Total              int64   `json:"total"`
	Allocated          int64   `json:"allocated"`
	Available          int64   `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

type subnetCreateRequest struct {
	Network      string `json:"network"`
	PrefixLength int    `json:"prefix_length"`
	Gateway      string `json:"gateway,omitempty"`
}

type subnetResponse struct {
	ID           int64     `json:"id"`
	PoolID       int64     `json:"pool_id"`
	Network      string    `json:"network"`
	PrefixLength int       `json:"prefix_length"`
	Gateway      string    `json:"gateway,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type allocateRequest struct {
	MACAddress string `json:"mac_address,omitempty"`
	Username   string `json:"username,omitempty"`
}

type allocationResponse struct {
	ID          int64      `json:"id"`
	SubnetID    int64      `json:"subnet_id"`
	IPAddress   string     `json:"ip_address"`
	MACAddress  string     `json:"mac_address,omitempty"`
	Username    string     `json:"username,omitempty"`
	Status      string     `json:"status"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// allocateResponse — Allocation == nil означает исчерпанную подсеть.
type allocateResponse struct {
	Allocation *allocationResponse `json:"allocation"`
	Message    string              `json:"message,omitempty"`
}

type historyEntryResponse struct {
	Action     string    `json:"action"`
	IPAddress  string    `json:"ip_address"`
	MACAddress string    `json:"mac_address,omitempty"`
	Username   string    `json:"username,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func addrString(a *netip.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func toPoolResponse(p *model.IPPool) poolResponse {
	return poolResponse{
		ID:        p.ID,
		Name:      p.Name,
		Purpose:   p.Purpose,
		StartIP:   addrString(p.StartIP),
		EndIP:     addrString(p.EndIP),
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toAllocationResponse(a *model.IPAllocation) *allocationResponse {
	return &allocationResponse{
		ID:          a.ID,
		SubnetID:    a.SubnetID,
		IPAddress:   a.IPAddress.String(),
		MACAddress:  a.MACAddress,
		Username:    a.Username,
		Status:      a.Status,
		AllocatedAt: a.AllocatedAt,
		ReleasedAt:  a.ReleasedAt,
	}
}

// parseOptionalAddr разбирает необязательный адрес из запроса.
func parseOptionalAddr(w http.ResponseWriter, field, raw string) (*netip.Addr, bool) {
	if raw == "" {
		return nil, true
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		apierrors.ValidationError(w, "Некорректный адрес в поле "+field)
		return nil, false
	}
	return &a, true
}

// CreatePool — POST /api/v1/ip-pools.
func (h *APIHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req poolCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, ok := parseOptionalAddr(w, "start_ip", req.StartIP)
	if !ok {
		return
	}
	end, ok := parseOptionalAddr(w, "end_ip", req.EndIP)
	if !ok {
		return
	}

	pool, err := h.ipam.CreatePool(r.Context(), tenantID, req.Name, req.Purpose, start, end)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания пула")
		return
	}
	writeJSON(w, http.StatusCreated, toPoolResponse(pool))
}

// SetPoolStatus — PATCH /api/v1/ip-pools/{id}/status.
func (h *APIHandler) SetPoolStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	poolID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req poolStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pool, err := h.ipam.SetPoolStatus(r.Context(), tenantID, poolID, req.Status)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка изменения статуса пула")
		return
	}
	writeJSON(w, http.StatusOK, toPoolResponse(pool))
}

// GetPoolUtilization — GET /api/v1/ip-pools/{id}/utilization.
func (h *APIHandler) GetPoolUtilization(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	poolID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, err := h.ipam.GetPoolUtilization(r.Context(), tenantID, poolID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка расчёта заполненности пула")
		return
	}
	writeJSON(w, http.StatusOK, utilizationResponse{
		PoolID:             u.PoolID,
		Total:              u.Total,
		Allocated:          u.Allocated,
		Available:          u.Available,
		UtilizationPercent: u.UtilizationPercent,
	})
}

// CreateSubnet — POST /api/v1/ip-pools/{id}/subnets.
func (h *APIHandler) CreateSubnet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	poolID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req subnetCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.ipam.CreateSubnet(r.Context(), tenantID, poolID, req.Network, req.PrefixLength, req.Gateway)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания подсети")
		return
	}
	writeJSON(w, http.StatusCreated, subnetResponse{
		ID:           sub.ID,
		PoolID:       sub.PoolID,
		Network:      sub.Network.String(),
		PrefixLength: sub.PrefixLength,
		Gateway:      addrString(sub.Gateway),
		Status:       sub.Status,
		CreatedAt:    sub.CreatedAt,
	})
}

// Allocate — POST /api/v1/ip-subnets/{id}/allocations.
// 201 — адрес выделен; 200 с allocation: null — свободных адресов нет.
func (h *APIHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	subnetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req allocateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	alloc, err := h.ipam.Allocate(r.Context(), tenantID, subnetID, model.Assignee{
		MACAddress: req.MACAddress,
		Username:   req.Username,
	})
	if err != nil {
		h.writeServiceError(w, err, "Ошибка выделения адреса")
		return
	}
	if alloc == nil {
		writeJSON(w, http.StatusOK, allocateResponse{Message: "Свободных адресов в подсети нет"})
		return
	}
	writeJSON(w, http.StatusCreated, allocateResponse{Allocation: toAllocationResponse(alloc)})
}

// GetAvailableIPs — GET /api/v1/ip-subnets/{id}/available?limit=N.
func (h *APIHandler) GetAvailableIPs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	subnetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	addrs, err := h.ipam.GetAvailableIPs(r.Context(), tenantID, subnetID, queryLimit(r, 10, 1024))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения свободных адресов")
		return
	}
	items := make([]string, 0, len(addrs))
	for _, a := range addrs {
		items = append(items, a.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ReleaseAllocation — DELETE /api/v1/ip-allocations/{id}.
// Повторное освобождение — не ошибка (released: false).
func (h *APIHandler) ReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	allocID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	released, err := h.ipam.Release(r.Context(), tenantID, allocID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка освобождения адреса")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// GetAllocationHistory — GET /api/v1/ip-allocations/{id}/history.
func (h *APIHandler) GetAllocationHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	allocID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.ipam.History(r.Context(), tenantID, allocID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения журнала выделения")
		return
	}
	items := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyEntryResponse{
			Action:     e.Action,
			IPAddress:  e.IPAddress.String(),
			MACAddress: e.MACAddress,
			Username:   e.Username,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
