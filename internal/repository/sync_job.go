package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/netsync/internal/domain/model"
)

// SyncJobRepository — интерфейс для очереди повторов sync_jobs.
type SyncJobRepository interface {
	// Enqueue ставит событие в очередь. Пока у абонента есть ожидающее
	// задание, новое событие заменяет его событие (последнее побеждает),
	// счётчик попыток сохраняется.
	Enqueue(ctx context.Context, event model.LifecycleEvent, lastError string, runAt time.Time) (*model.SyncJob, error)
	// ClaimDue захватывает до limit готовых заданий и переводит их в running
	// с увеличением attempts. Задания, зависшие в running дольше staleAfter,
	// захватываются повторно.
	ClaimDue(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.SyncJob, error)
	// MarkDone завершает задание.
	MarkDone(ctx context.Context, id int64) error
	// Reschedule возвращает задание в pending на время runAt.
	// superseded == true, если у абонента уже появилось новое ожидающее
	// задание: тогда текущее закрывается как done.
	Reschedule(ctx context.Context, id int64, runAt time.Time, lastError string) (superseded bool, err error)
	// MarkDead переводит задание в dead-letter.
	MarkDead(ctx context.Context, id int64, lastError string) error
	// ListDead возвращает dead-задания tenant, новые первыми.
	ListDead(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error)
	// Requeue возвращает dead-задание tenant в очередь со сброшенным
	// счётчиком. ErrConflict, если у абонента уже есть ожидающее задание.
	Requeue(ctx context.Context, tenantID, id int64) (*model.SyncJob, error)
}

// syncJobRepo — реализация SyncJobRepository.
type syncJobRepo struct {
	db DBTX
}

// NewSyncJobRepository создаёт репозиторий очереди повторов.
func NewSyncJobRepository(db DBTX) SyncJobRepository {
	return &syncJobRepo{db: db}
}

const syncJobColumns = `id, event_id, event_type, tenant_id, network_user_id, username, router_id,
	status, attempts, next_run_at, COALESCE(last_error, ''), created_at, updated_at`

func scanSyncJob(row pgx.Row) (*model.SyncJob, error) {
	j := &model.SyncJob{}
	var eventType string
	err := row.Scan(
		&j.ID, &j.Event.ID, &eventType, &j.Event.TenantID, &j.Event.NetworkUserID,
		&j.Event.Username, &j.Event.RouterID,
		&j.Status, &j.Attempts, &j.NextRunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Event.Type = model.EventType(eventType)
	return j, nil
}

func collectSyncJobs(rows pgx.Rows) ([]*model.SyncJob, error) {
	defer rows.Close()

	var result []*model.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования задания: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (r *syncJobRepo) Enqueue(ctx context.Context, event model.LifecycleEvent, lastError string, runAt time.Time) (*model.SyncJob, error) {
	query := `
		INSERT INTO sync_jobs (event_id, event_type, tenant_id, network_user_id, username,
			router_id, status, next_run_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
		ON CONFLICT (tenant_id, username) WHERE status = 'pending'
		DO UPDATE SET event_id = EXCLUDED.event_id,
			event_type = EXCLUDED.event_type,
			network_user_id = EXCLUDED.network_user_id,
			router_id = EXCLUDED.router_id,
			next_run_at = LEAST(sync_jobs.next_run_at, EXCLUDED.next_run_at),
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		RETURNING ` + syncJobColumns

	j, err := scanSyncJob(r.db.QueryRow(ctx, query,
		event.ID, string(event.Type), event.TenantID, event.NetworkUserID, event.Username,
		event.RouterID, runAt, nullString(lastError),
	))
	if err != nil {
		return nil, fmt.Errorf("ошибка постановки задания в очередь: %w", err)
	}
	return j, nil
}

func (r *syncJobRepo) ClaimDue(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE (status = 'pending' AND next_run_at <= NOW())
				OR (status = 'running' AND updated_at < NOW() - make_interval(secs => $2))
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + syncJobColumns

	rows, err := r.db.Query(ctx, query, limit, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата заданий: %w", err)
	}
	return collectSyncJobs(rows)
}

func (r *syncJobRepo) MarkDone(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sync_jobs SET status = 'done', last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка завершения задания: %w", err)
	}
	return nil
}

func (r *syncJobRepo) Reschedule(ctx context.Context, id int64, runAt time.Time, lastError string) (bool, error) {
	_, err := r.db.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', next_run_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, runAt, nullString(lastError))
	if err == nil {
		return false, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("ошибка переноса задания: %w", err)
	}

	// Новое ожидающее задание абонента заменяет текущее
	_, err = r.db.Exec(ctx, `
		UPDATE sync_jobs SET status = 'done', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, nullString(lastError))
	if err != nil {
		return false, fmt.Errorf("ошибка закрытия заменённого задания: %w", err)
	}
	return true, nil
}

func (r *syncJobRepo) MarkDead(ctx context.Context, id int64, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sync_jobs SET status = 'dead', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, nullString(lastError))
	if err != nil {
		return fmt.Errorf("ошибка перевода задания в dead: %w", err)
	}
	return nil
}

func (r *syncJobRepo) ListDead(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+syncJobColumns+`
		FROM sync_jobs
		WHERE tenant_id = $1 AND status = 'dead'
		ORDER BY updated_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения dead-заданий: %w", err)
	}
	return collectSyncJobs(rows)
}

func (r *syncJobRepo) Requeue(ctx context.Context, tenantID, id int64) (*model.SyncJob, error) {
	j, err := scanSyncJob(r.db.QueryRow(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', attempts = 0, next_run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'dead'
		RETURNING `+syncJobColumns, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: у абонента уже есть ожидающее задание", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка возврата задания в очередь: %w", err)
	}
	return j, nil
}
