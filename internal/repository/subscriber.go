package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/netsync/internal/domain/model"
)

// NetworkUserRepository — чтение абонентов из read-модели биллинга.
type NetworkUserRepository interface {
	// GetByID возвращает абонента по ID.
	GetByID(ctx context.Context, id int64) (*model.NetworkUser, error)
	// GetByUsername возвращает абонента tenant по логину.
	GetByUsername(ctx context.Context, tenantID int64, username string) (*model.NetworkUser, error)
	// ListByTenant возвращает абонентов tenant по ID.
	ListByTenant(ctx context.Context, tenantID int64) ([]*model.NetworkUser, error)
	// ListTenants возвращает tenant, у которых есть абоненты.
	ListTenants(ctx context.Context) ([]int64, error)
}

// networkUserRepo — реализация NetworkUserRepository.
type networkUserRepo struct {
	db DBTX
}

// NewNetworkUserRepository создаёт репозиторий абонентов.
func NewNetworkUserRepository(db DBTX) NetworkUserRepository {
	return &networkUserRepo{db: db}
}

const networkUserColumns = `id, tenant_id, username, password, service_type, package_id,
	router_id, mac_address, status, created_at, updated_at`

func scanNetworkUser(row pgx.Row) (*model.NetworkUser, error) {
	u := &model.NetworkUser{}
	var mac *string
	err := row.Scan(
		&u.ID, &u.TenantID, &u.Username, &u.Password, &u.ServiceType, &u.PackageID,
		&u.RouterID, &mac, &u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.MACAddress = derefString(mac)
	return u, nil
}

func (r *networkUserRepo) GetByID(ctx context.Context, id int64) (*model.NetworkUser, error) {
	u, err := scanNetworkUser(r.db.QueryRow(ctx,
		`SELECT `+networkUserColumns+` FROM network_users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения абонента: %w", err)
	}
	return u, nil
}

func (r *networkUserRepo) GetByUsername(ctx context.Context, tenantID int64, username string) (*model.NetworkUser, error) {
	u, err := scanNetworkUser(r.db.QueryRow(ctx,
		`SELECT `+networkUserColumns+` FROM network_users WHERE tenant_id = $1 AND username = $2`,
		tenantID, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения абонента: %w", err)
	}
	return u, nil
}

func (r *networkUserRepo) ListByTenant(ctx context.Context, tenantID int64) ([]*model.NetworkUser, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+networkUserColumns+` FROM network_users WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения абонентов: %w", err)
	}
	defer rows.Close()

	var result []*model.NetworkUser
	for rows.Next() {
		u, err := scanNetworkUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования абонента: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *networkUserRepo) ListTenants(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT tenant_id FROM network_users ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка tenant: %w", err)
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования tenant: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// PackageRepository — чтение тарифов из read-модели биллинга.
type PackageRepository interface {
	// GetByID возвращает тариф по ID.
	GetByID(ctx context.Context, id int64) (*model.Package, error)
}

// packageRepo — реализация PackageRepository.
type packageRepo struct {
	db DBTX
}

// NewPackageRepository создаёт репозиторий тарифов.
func NewPackageRepository(db DBTX) PackageRepository {
	return &packageRepo{db: db}
}

func (r *packageRepo) GetByID(ctx context.Context, id int64) (*model.Package, error) {
	query := `
		SELECT id, tenant_id, name, bandwidth_up, bandwidth_down, session_timeout,
			ip_pool_id, created_at, updated_at
		FROM packages
		WHERE id = $1`

	p := &model.Package{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.BandwidthUp, &p.BandwidthDown, &p.SessionTimeout,
		&p.IPPoolID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения тарифа: %w", err)
	}
	return p, nil
}
