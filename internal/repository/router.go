package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/netsync/internal/domain/model"
)

// RouterRepository — интерфейс для таблицы mikrotik_routers.
type RouterRepository interface {
	// Create регистрирует роутер.
	Create(ctx context.Context, rt *model.Router) error
	// GetByID возвращает роутер по ID.
	GetByID(ctx context.Context, id int64) (*model.Router, error)
	// ListActive возвращает активные роутеры всех tenant.
	ListActive(ctx context.Context) ([]*model.Router, error)
	// Touch отмечает успешное обращение к API роутера.
	Touch(ctx context.Context, id int64) error
}

// routerRepo — реализация RouterRepository.
type routerRepo struct {
	db DBTX
}

// NewRouterRepository создаёт репозиторий роутеров.
func NewRouterRepository(db DBTX) RouterRepository {
	return &routerRepo{db: db}
}

const routerColumns = `id, tenant_id, name, ip_address, api_port, username, password,
	status, last_seen_at, created_at, updated_at`

func scanRouter(row pgx.Row) (*model.Router, error) {
	rt := &model.Router{}
	err := row.Scan(
		&rt.ID, &rt.TenantID, &rt.Name, &rt.IPAddress, &rt.APIPort, &rt.Username, &rt.Password,
		&rt.Status, &rt.LastSeenAt, &rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *routerRepo) Create(ctx context.Context, rt *model.Router) error {
	query := `
		INSERT INTO mikrotik_routers (tenant_id, name, ip_address, api_port, username, password, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rt.TenantID, rt.Name, rt.IPAddress, rt.APIPort, rt.Username, rt.Password, rt.Status,
	).Scan(&rt.ID, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания роутера: %w", err)
	}
	return nil
}

func (r *routerRepo) GetByID(ctx context.Context, id int64) (*model.Router, error) {
	rt, err := scanRouter(r.db.QueryRow(ctx,
		`SELECT `+routerColumns+` FROM mikrotik_routers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения роутера: %w", err)
	}
	return rt, nil
}

func (r *routerRepo) ListActive(ctx context.Context) ([]*model.Router, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+routerColumns+` FROM mikrotik_routers WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка роутеров: %w", err)
	}
	defer rows.Close()

	var result []*model.Router
	for rows.Next() {
		rt, err := scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования роутера: %w", err)
		}
		result = append(result, rt)
	}
	return result, rows.Err()
}

func (r *routerRepo) Touch(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE mikrotik_routers SET last_seen_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_seen_at: %w", err)
	}
	return nil
}

// PPPoEMirrorRepository — интерфейс для таблицы mikrotik_pppoe_users,
// локального зеркала PPP secrets. Строки не удаляются, только
// переводятся в inactive.
type PPPoEMirrorRepository interface {
	// Get возвращает строку зеркала.
	Get(ctx context.Context, routerID int64, username string) (*model.PPPoEUser, error)
	// MarkSynced создаёт или обновляет строку со статусом synced.
	MarkSynced(ctx context.Context, u *model.PPPoEUser) error
	// MarkInactive переводит строку в inactive. Отсутствие строки не ошибка.
	MarkInactive(ctx context.Context, routerID int64, username string) error
	// Reconcile приводит зеркало роутера к списку secrets с устройства:
	// присутствующие становятся synced, остальные inactive.
	Reconcile(ctx context.Context, routerID int64, present []model.PPPoEUser) (synced, deactivated int64, err error)
	// ListByRouter возвращает зеркало роутера по логинам.
	ListByRouter(ctx context.Context, routerID int64) ([]*model.PPPoEUser, error)
}

// pppoeMirrorRepo — реализация PPPoEMirrorRepository.
type pppoeMirrorRepo struct {
	db DBTX
	tx *TxRunner
}

// NewPPPoEMirrorRepository создаёт репозиторий зеркала.
func NewPPPoEMirrorRepository(db DB) PPPoEMirrorRepository {
	return &pppoeMirrorRepo{db: db, tx: NewTxRunner(db)}
}

const mirrorColumns = `id, router_id, username, COALESCE(profile, ''), service, status,
	last_synced_at, created_at, updated_at`

func scanMirror(row pgx.Row) (*model.PPPoEUser, error) {
	u := &model.PPPoEUser{}
	err := row.Scan(
		&u.ID, &u.RouterID, &u.Username, &u.Profile, &u.Service, &u.Status,
		&u.LastSyncedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *pppoeMirrorRepo) Get(ctx context.Context, routerID int64, username string) (*model.PPPoEUser, error) {
	u, err := scanMirror(r.db.QueryRow(ctx, `
		SELECT `+mirrorColumns+`
		FROM mikrotik_pppoe_users
		WHERE router_id = $1 AND username = $2`, routerID, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения зеркала PPP secret: %w", err)
	}
	return u, nil
}

const upsertSyncedQuery = `
	INSERT INTO mikrotik_pppoe_users (router_id, username, profile, service, status, last_synced_at)
	VALUES ($1, $2, $3, $4, 'synced', NOW())
	ON CONFLICT (router_id, username)
	DO UPDATE SET profile = EXCLUDED.profile,
		service = EXCLUDED.service,
		status = 'synced',
		last_synced_at = NOW(),
		updated_at = NOW()
	RETURNING ` + mirrorColumns

func (r *pppoeMirrorRepo) MarkSynced(ctx context.Context, u *model.PPPoEUser) error {
	saved, err := scanMirror(r.db.QueryRow(ctx, upsertSyncedQuery,
		u.RouterID, u.Username, nullString(u.Profile), u.Service))
	if err != nil {
		return fmt.Errorf("ошибка обновления зеркала PPP secret: %w", err)
	}
	*u = *saved
	return nil
}

func (r *pppoeMirrorRepo) MarkInactive(ctx context.Context, routerID int64, username string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE mikrotik_pppoe_users
		SET status = 'inactive', updated_at = NOW()
		WHERE router_id = $1 AND username = $2 AND status <> 'inactive'`,
		routerID, username)
	if err != nil {
		return fmt.Errorf("ошибка деактивации зеркала PPP secret: %w", err)
	}
	return nil
}

func (r *pppoeMirrorRepo) Reconcile(ctx context.Context, routerID int64, present []model.PPPoEUser) (int64, int64, error) {
	var synced, deactivated int64
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		usernames := make([]string, 0, len(present))
		for _, u := range present {
			if _, err := scanMirror(tx.QueryRow(ctx, upsertSyncedQuery,
				routerID, u.Username, nullString(u.Profile), u.Service)); err != nil {
				return fmt.Errorf("ошибка обновления зеркала %s: %w", u.Username, err)
			}
			usernames = append(usernames, u.Username)
			synced++
		}

		tag, err := tx.Exec(ctx, `
			UPDATE mikrotik_pppoe_users
			SET status = 'inactive', updated_at = NOW()
			WHERE router_id = $1 AND status <> 'inactive'
				AND NOT (username = ANY($2::text[]))`,
			routerID, usernames)
		if err != nil {
			return fmt.Errorf("ошибка деактивации отсутствующих secrets: %w", err)
		}
		deactivated = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return synced, deactivated, nil
}

func (r *pppoeMirrorRepo) ListByRouter(ctx context.Context, routerID int64) ([]*model.PPPoEUser, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+mirrorColumns+`
		FROM mikrotik_pppoe_users
		WHERE router_id = $1
		ORDER BY username`, routerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения зеркала роутера: %w", err)
	}
	defer rows.Close()

	var result []*model.PPPoEUser
	for rows.Next() {
		u, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования зеркала: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
