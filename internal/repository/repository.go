// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
//
// IP-адреса передаются в запросы строками с приведением ::inet и
// читаются через host(), чтобы не зависеть от маски в колонках inet.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — нарушение уникального ключа: занятый адрес,
	// существующий абонент RADIUS, пересекающаяся подсеть.
	ErrConflict = errors.New("запись уже существует")
)

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB — DBTX, умеющий открывать транзакции (*pgxpool.Pool).
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner выполняет группу запросов атомарно: строки абонента RADIUS
// и захват адреса с записью истории пишутся целиком или не пишутся.
type TxRunner struct {
	db DB
}

func NewTxRunner(db DB) *TxRunner {
	return &TxRunner{db: db}
}

// RunInTx коммитит транзакцию, если fn вернула nil, иначе откатывает.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit откат ничего не делает

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("коммит транзакции: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// parseAddr разбирает результат host(inet).
func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("некорректный адрес из БД %q: %w", s, err)
	}
	return addr, nil
}

// parseOptionalAddr разбирает nullable host(inet).
func parseOptionalAddr(s *string) (*netip.Addr, error) {
	if s == nil {
		return nil, nil
	}
	addr, err := parseAddr(*s)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// addrParam возвращает параметр запроса для nullable inet.
func addrParam(a *netip.Addr) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

// nullString возвращает nil для пустой строки (NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString возвращает значение nullable-строки или "".
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
