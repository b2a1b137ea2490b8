// events.go — приём событий биллинга и dead-letter очереди синхронизации.
package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
	"github.com/bigkaa/netsync/internal/domain/model"
)

type eventRequest struct {
	EventID       *uuid.UUID `json:"event_id,omitempty"`
	Type          string     `json:"type"`
	NetworkUserID int64      `json:"network_user_id"`
	Username      string     `json:"username,omitempty"`
	RouterID      *int64     `json:"router_id,omitempty"`
}

type syncJobResponse struct {
	ID            int64     `json:"id"`
	EventID       uuid.UUID `json:"event_id"`
	Type          string    `json:"type"`
	NetworkUserID int64     `json:"network_user_id"`
	Username      string    `json:"username"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toSyncJobResponse(j *model.SyncJob) syncJobResponse {
	return syncJobResponse{
		ID:            j.ID,
		EventID:       j.Event.ID,
		Type:          string(j.Event.Type),
		NetworkUserID: j.Event.NetworkUserID,
		Username:      j.Event.Username,
		Status:        j.Status,
		Attempts:      j.Attempts,
		NextRunAt:     j.NextRunAt,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

// PostEvent — POST /api/v1/events.
// Синхронно: 200 — все шаги сошлись, 202 — событие в очереди повторов.
// С ?async=true событие только ставится в очередь (202).
func (h *APIHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NetworkUserID <= 0 {
		apierrors.ValidationError(w, "network_user_id обязателен")
		return
	}

	ev := model.LifecycleEvent{
		Type:          model.EventType(req.Type),
		TenantID:      tenantID,
		NetworkUserID: req.NetworkUserID,
		Username:      req.Username,
		RouterID:      req.RouterID,
	}
	if req.EventID != nil {
		ev.ID = *req.EventID
	}

	if r.URL.Query().Get("async") == "true" {
		job, err := h.sync.Enqueue(r.Context(), ev)
		if err != nil {
			h.writeServiceError(w, err, "Ошибка постановки события в очередь")
			return
		}
		writeJSON(w, http.StatusAccepted, toSyncJobResponse(job))
		return
	}

	outcome, err := h.sync.HandleEvent(r.Context(), ev)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка обработки события")
		return
	}
	status := http.StatusOK
	if outcome.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

// ListDeadJobs — GET /api/v1/sync-jobs/dead.
func (h *APIHandler) ListDeadJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	jobs, err := h.dead.ListDead(r.Context(), tenantID, queryLimit(r, 100, 1000))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения dead-letter")
		return
	}
	items := make([]syncJobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toSyncJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// RequeueJob — POST /api/v1/sync-jobs/{id}/requeue.
func (h *APIHandler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.dead.Requeue(r.Context(), tenantID, jobID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка возврата задания в очередь")
		return
	}
	writeJSON(w, http.StatusOK, toSyncJobResponse(job))
}

// MigratePackagePool — POST /api/v1/packages/{id}/pool-migration.
// ?dry_run=true — только проверка ёмкости пула. ?async=true — события
// абонентов ставятся в очередь (202). Нехватка адресов — 409.
func (h *APIHandler) MigratePackagePool(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	packageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	async := q.Get("async") == "true"

	report, err := h.sync.MigratePackagePool(r.Context(), tenantID, packageID, q.Get("dry_run") == "true", async)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка переноса абонентов в пул")
		return
	}
	status := http.StatusOK
	if async && report.Queued > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, report)
}
