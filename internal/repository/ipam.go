package repository

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/netsync/internal/domain/model"
)

// IPPoolRepository — интерфейс для таблицы ip_pools.
type IPPoolRepository interface {
	// Create создаёт пул. Имя уникально в пределах tenant.
	Create(ctx context.Context, p *model.IPPool) error
	// GetByID возвращает пул по ID.
	GetByID(ctx context.Context, id int64) (*model.IPPool, error)
	// SetStatus меняет статус пула.
	SetStatus(ctx context.Context, id int64, status string) error
}

// ipPoolRepo — реализация IPPoolRepository.
type ipPoolRepo struct {
	db DBTX
}

// NewIPPoolRepository создаёт репозиторий пулов.
func NewIPPoolRepository(db DBTX) IPPoolRepository {
	return &ipPoolRepo{db: db}
}

func (r *ipPoolRepo) Create(ctx context.Context, p *model.IPPool) error {
	query := `
		INSERT INTO ip_pools (tenant_id, name, purpose, start_ip, end_ip, status)
		VALUES ($1, $2, $3, $4::inet, $5::inet, $6)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.TenantID, p.Name, p.Purpose, addrParam(p.StartIP), addrParam(p.EndIP), p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: пул %q уже существует", ErrConflict, p.Name)
		}
		return fmt.Errorf("ошибка создания пула: %w", err)
	}
	return nil
}

func (r *ipPoolRepo) GetByID(ctx context.Context, id int64) (*model.IPPool, error) {
	query := `
		SELECT id, tenant_id, name, purpose, host(start_ip), host(end_ip),
			status, created_at, updated_at
		FROM ip_pools
		WHERE id = $1`

	p := &model.IPPool{}
	var startIP, endIP *string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Purpose, &startIP, &endIP,
		&p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пула: %w", err)
	}
	if p.StartIP, err = parseOptionalAddr(startIP); err != nil {
		return nil, err
	}
	if p.EndIP, err = parseOptionalAddr(endIP); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ipPoolRepo) SetStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE ip_pools SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса пула: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IPSubnetRepository — интерфейс для таблицы ip_subnets.
type IPSubnetRepository interface {
	// Create добавляет подсеть в пул. Пересечение с другой подсетью
	// того же пула даёт ErrConflict.
	Create(ctx context.Context, s *model.IPSubnet) error
	// GetScope возвращает подсеть вместе с tenant и статусом пула.
	GetScope(ctx context.Context, subnetID int64) (*model.SubnetScope, error)
	// ListByPool возвращает подсети пула по возрастанию ID.
	ListByPool(ctx context.Context, poolID int64) ([]*model.IPSubnet, error)
}

// ipSubnetRepo — реализация IPSubnetRepository.
type ipSubnetRepo struct {
	db DBTX
	tx *TxRunner
}

// NewIPSubnetRepository создаёт репозиторий подсетей.
func NewIPSubnetRepository(db DB) IPSubnetRepository {
	return &ipSubnetRepo{db: db, tx: NewTxRunner(db)}
}

func (r *ipSubnetRepo) Create(ctx context.Context, s *model.IPSubnet) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		// Блокировка пула сериализует параллельное добавление подсетей
		var poolID int64
		err := tx.QueryRow(ctx, `SELECT id FROM ip_pools WHERE id = $1 FOR UPDATE`, s.PoolID).Scan(&poolID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка блокировки пула: %w", err)
		}

		prefix := s.Prefix().String()

		var overlaps bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ip_subnets
				WHERE pool_id = $1 AND set_masklen(network, prefix_length) && $2::inet
			)`, s.PoolID, prefix).Scan(&overlaps)
		if err != nil {
			return fmt.Errorf("ошибка проверки пересечения подсетей: %w", err)
		}
		if overlaps {
			return fmt.Errorf("%w: подсеть %s пересекается с подсетью пула", ErrConflict, prefix)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO ip_subnets (pool_id, network, prefix_length, gateway, status)
			VALUES ($1, $2::inet, $3, $4::inet, $5)
			RETURNING id, created_at, updated_at`,
			s.PoolID, s.Network.String(), s.PrefixLength, addrParam(s.Gateway), s.Status,
		).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: подсеть %s уже существует", ErrConflict, prefix)
			}
			return fmt.Errorf("ошибка создания подсети: %w", err)
		}
		return nil
	})
}

const subnetColumns = `s.id, s.pool_id, host(s.network), s.prefix_length, host(s.gateway),
	s.status, s.created_at, s.updated_at`

func scanSubnet(row pgx.Row, extra ...any) (*model.IPSubnet, error) {
	s := &model.IPSubnet{}
	var network string
	var gateway *string
	dest := append([]any{
		&s.ID, &s.PoolID, &network, &s.PrefixLength, &gateway,
		&s.Status, &s.CreatedAt, &s.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if s.Network, err = parseAddr(network); err != nil {
		return nil, err
	}
	if s.Gateway, err = parseOptionalAddr(gateway); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ipSubnetRepo) GetScope(ctx context.Context, subnetID int64) (*model.SubnetScope, error) {
	query := `
		SELECT ` + subnetColumns + `, p.tenant_id, p.status
		FROM ip_subnets s
		JOIN ip_pools p ON p.id = s.pool_id
		WHERE s.id = $1`

	scope := &model.SubnetScope{}
	s, err := scanSubnet(r.db.QueryRow(ctx, query, subnetID), &scope.TenantID, &scope.PoolStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения подсети: %w", err)
	}
	scope.Subnet = *s
	return scope, nil
}

func (r *ipSubnetRepo) ListByPool(ctx context.Context, poolID int64) ([]*model.IPSubnet, error) {
	query := `
		SELECT ` + subnetColumns + `
		FROM ip_subnets s
		WHERE s.pool_id = $1
		ORDER BY s.id`

	rows, err := r.db.Query(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подсетей пула: %w", err)
	}
	defer rows.Close()

	var result []*model.IPSubnet
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования подсети: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// PickFunc выбирает адрес по отсортированному списку занятых.
// ok == false означает, что свободных адресов нет.
type PickFunc func(used []netip.Addr) (addr netip.Addr, ok bool)

// IPAllocationRepository — интерфейс для таблиц ip_allocations
// и ip_allocation_history.
type IPAllocationRepository interface {
	// Claim в одной транзакции блокирует подсеть, выбирает адрес через pick,
	// создаёт выделение и запись журнала. Возвращает nil, если pick не
	// нашёл адреса. Гонка за адрес даёт ErrConflict.
	Claim(ctx context.Context, subnetID int64, pick PickFunc, a model.Assignee) (*model.IPAllocation, error)
	// Release освобождает адрес и пишет журнал. released == false, если
	// выделение уже было освобождено.
	Release(ctx context.Context, allocationID int64) (alloc *model.IPAllocation, released bool, err error)
	// GetByID возвращает выделение по ID.
	GetByID(ctx context.Context, id int64) (*model.IPAllocation, error)
	// ListActiveAddrs возвращает занятые адреса подсети по возрастанию.
	ListActiveAddrs(ctx context.Context, subnetID int64) ([]netip.Addr, error)
	// ListActiveByUsername возвращает активные выделения абонента в пулах tenant.
	ListActiveByUsername(ctx context.Context, tenantID int64, username string) ([]*model.IPAllocation, error)
	// CountActiveByPool возвращает число активных выделений в подсетях пула.
	CountActiveByPool(ctx context.Context, poolID int64) (int64, error)
	// History возвращает журнал выделения в порядке записи.
	History(ctx context.Context, allocationID int64) ([]*model.AllocationHistoryEntry, error)
}

// ipAllocationRepo — реализация IPAllocationRepository.
type ipAllocationRepo struct {
	db DBTX
	tx *TxRunner
}

// NewIPAllocationRepository создаёт репозиторий выделений.
func NewIPAllocationRepository(db DB) IPAllocationRepository {
	return &ipAllocationRepo{db: db, tx: NewTxRunner(db)}
}

const allocationColumns = `id, subnet_id, host(ip_address), mac_address, username, status,
	allocated_at, released_at, created_at, updated_at`

func scanAllocation(row pgx.Row) (*model.IPAllocation, error) {
	a := &model.IPAllocation{}
	var ip string
	var mac, username *string
	if err := row.Scan(
		&a.ID, &a.SubnetID, &ip, &mac, &username, &a.Status,
		&a.AllocatedAt, &a.ReleasedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if a.IPAddress, err = parseAddr(ip); err != nil {
		return nil, err
	}
	a.MACAddress = derefString(mac)
	a.Username = derefString(username)
	return a, nil
}

func (r *ipAllocationRepo) Claim(ctx context.Context, subnetID int64, pick PickFunc, a model.Assignee) (*model.IPAllocation, error) {
	var result *model.IPAllocation

	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		// Блокировка строки подсети сериализует выделения между процессами
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM ip_subnets WHERE id = $1 FOR UPDATE`, subnetID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка блокировки подсети: %w", err)
		}

		used, err := listActiveAddrs(ctx, tx, subnetID)
		if err != nil {
			return err
		}

		addr, ok := pick(used)
		if !ok {
			return nil
		}

		alloc, err := scanAllocation(tx.QueryRow(ctx, `
			INSERT INTO ip_allocations (subnet_id, ip_address, mac_address, username, status)
			VALUES ($1, $2::inet, $3, $4, 'allocated')
			RETURNING `+allocationColumns,
			subnetID, addr.String(), nullString(a.MACAddress), nullString(a.Username),
		))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: адрес %s уже выделен", ErrConflict, addr)
			}
			return fmt.Errorf("ошибка создания выделения: %w", err)
		}

		if err := appendHistory(ctx, tx, alloc, model.AllocationAllocated); err != nil {
			return err
		}
		result = alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ipAllocationRepo) Release(ctx context.Context, allocationID int64) (*model.IPAllocation, bool, error) {
	var result *model.IPAllocation
	var released bool

	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		alloc, err := scanAllocation(tx.QueryRow(ctx, `
			SELECT `+allocationColumns+`
			FROM ip_allocations
			WHERE id = $1
			FOR UPDATE`, allocationID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка получения выделения: %w", err)
		}

		if !alloc.Active() {
			result = alloc
			return nil
		}

		alloc, err = scanAllocation(tx.QueryRow(ctx, `
			UPDATE ip_allocations
			SET status = 'released', released_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+allocationColumns, allocationID))
		if err != nil {
			return fmt.Errorf("ошибка освобождения адреса: %w", err)
		}

		if err := appendHistory(ctx, tx, alloc, model.AllocationReleased); err != nil {
			return err
		}
		result = alloc
		released = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, released, nil
}

func (r *ipAllocationRepo) GetByID(ctx context.Context, id int64) (*model.IPAllocation, error) {
	a, err := scanAllocation(r.db.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM ip_allocations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения выделения: %w", err)
	}
	return a, nil
}

func (r *ipAllocationRepo) ListActiveAddrs(ctx context.Context, subnetID int64) ([]netip.Addr, error) {
	return listActiveAddrs(ctx, r.db, subnetID)
}

func (r *ipAllocationRepo) ListActiveByUsername(ctx context.Context, tenantID int64, username string) ([]*model.IPAllocation, error) {
	query := `
		SELECT a.id, a.subnet_id, host(a.ip_address), a.mac_address, a.username, a.status,
			a.allocated_at, a.released_at, a.created_at, a.updated_at
		FROM ip_allocations a
		JOIN ip_subnets s ON s.id = a.subnet_id
		JOIN ip_pools p ON p.id = s.pool_id
		WHERE p.tenant_id = $1 AND a.username = $2 AND a.released_at IS NULL
		ORDER BY a.id`

	rows, err := r.db.Query(ctx, query, tenantID, username)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выделений абонента: %w", err)
	}
	defer rows.Close()

	var result []*model.IPAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования выделения: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *ipAllocationRepo) CountActiveByPool(ctx context.Context, poolID int64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM ip_allocations a
		JOIN ip_subnets s ON s.id = a.subnet_id
		WHERE s.pool_id = $1 AND a.released_at IS NULL`

	var count int64
	if err := r.db.QueryRow(ctx, query, poolID).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта выделений пула: %w", err)
	}
	return count, nil
}

func (r *ipAllocationRepo) History(ctx context.Context, allocationID int64) ([]*model.AllocationHistoryEntry, error) {
	query := `
		SELECT id, allocation_id, subnet_id, host(ip_address), mac_address, username, action, created_at
		FROM ip_allocation_history
		WHERE allocation_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, allocationID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала выделения: %w", err)
	}
	defer rows.Close()

	var result []*model.AllocationHistoryEntry
	for rows.Next() {
		e := &model.AllocationHistoryEntry{}
		var ip string
		var mac, username *string
		if err := rows.Scan(&e.ID, &e.AllocationID, &e.SubnetID, &ip, &mac, &username, &e.Action, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования журнала: %w", err)
		}
		if e.IPAddress, err = parseAddr(ip); err != nil {
			return nil, err
		}
		e.MACAddress = derefString(mac)
		e.Username = derefString(username)
		result = append(result, e)
	}
	return result, rows.Err()
}

// listActiveAddrs возвращает занятые адреса подсети по возрастанию.
func listActiveAddrs(ctx context.Context, db DBTX, subnetID int64) ([]netip.Addr, error) {
	rows, err := db.Query(ctx, `
		SELECT host(ip_address)
		FROM ip_allocations
		WHERE subnet_id = $1 AND released_at IS NULL
		ORDER BY ip_address`, subnetID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения занятых адресов: %w", err)
	}
	defer rows.Close()

	var result []netip.Addr
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("ошибка сканирования адреса: %w", err)
		}
		addr, err := parseAddr(s)
		if err != nil {
			return nil, err
		}
		result = append(result, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Порядок inet в PostgreSQL совпадает с числовым для IPv4 /32,
	// сортировка страхует от смешанных масок в данных.
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result, nil
}

// appendHistory добавляет запись в журнал выделения.
func appendHistory(ctx context.Context, db DBTX, a *model.IPAllocation, action string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO ip_allocation_history (allocation_id, subnet_id, ip_address, mac_address, username, action)
		VALUES ($1, $2, $3::inet, $4, $5, $6)`,
		a.ID, a.SubnetID, a.IPAddress.String(), nullString(a.MACAddress), nullString(a.Username), action,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала выделения: %w", err)
	}
	return nil
}
