package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/netsync/internal/domain/model"
)

// RadiusRepository — интерфейс для таблиц FreeRADIUS radcheck, radreply
// и radacct. Строка check с Cleartext-Password определяет существование
// пользователя.
type RadiusRepository interface {
	// Create создаёт пользователя: строку пароля и строки reply.
	// ErrConflict, если у логина уже есть строки check или reply.
	Create(ctx context.Context, u model.RadiusUser) error
	// Update меняет пароль (если password != nil) и построчно upsert-ит
	// атрибуты reply. ErrNotFound, если пользователя нет.
	Update(ctx context.Context, username string, password *string, reply []model.Attribute) error
	// Delete удаляет все строки check и reply логина.
	// existed == false, если удалять было нечего.
	Delete(ctx context.Context, username string) (existed bool, err error)
	// Converge приводит строки логина к желаемым: пароль и reply-атрибуты
	// u записываются, атрибуты из managed, отсутствующие в u.Reply,
	// удаляются. Прочие атрибуты не трогаются.
	Converge(ctx context.Context, u model.RadiusUser, managed []string) error
	// Get возвращает пароль и атрибуты reply по имени.
	Get(ctx context.Context, username string) (*model.RadiusUser, error)
	// Accounting агрегирует сессии логина из radacct.
	Accounting(ctx context.Context, username string) (*model.AccountingSummary, error)
	// Sessions возвращает последние сессии логина из radacct.
	Sessions(ctx context.Context, username string, limit int) ([]model.AccountingSession, error)
}

// radiusRepo — реализация RadiusRepository.
type radiusRepo struct {
	db DBTX
	tx *TxRunner
}

// NewRadiusRepository создаёт репозиторий FreeRADIUS.
func NewRadiusRepository(db DB) RadiusRepository {
	return &radiusRepo{db: db, tx: NewTxRunner(db)}
}

func (r *radiusRepo) Create(ctx context.Context, u model.RadiusUser) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM radcheck WHERE username = $1)
				OR EXISTS (SELECT 1 FROM radreply WHERE username = $1)`,
			u.Username).Scan(&exists)
		if err != nil {
			return fmt.Errorf("ошибка проверки пользователя RADIUS: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: пользователь RADIUS %q уже существует", ErrConflict, u.Username)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO radcheck (username, attribute, op, value)
			VALUES ($1, $2, $3, $4)`,
			u.Username, model.AttrCleartextPassword, model.OpSet, u.Password)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: пользователь RADIUS %q уже существует", ErrConflict, u.Username)
			}
			return fmt.Errorf("ошибка создания строки check: %w", err)
		}

		for _, a := range u.Reply {
			_, err := tx.Exec(ctx, `
				INSERT INTO radreply (username, attribute, op, value)
				VALUES ($1, $2, $3, $4)`,
				u.Username, a.Name, a.Op, a.Value)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: атрибут %s задан дважды", ErrConflict, a.Name)
				}
				return fmt.Errorf("ошибка создания строки reply %s: %w", a.Name, err)
			}
		}
		return nil
	})
}

func (r *radiusRepo) Update(ctx context.Context, username string, password *string, reply []model.Attribute) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if password != nil {
			// UPDATE берёт блокировку строки пароля сам
			tag, err := tx.Exec(ctx, `
				UPDATE radcheck SET value = $3, op = $4
				WHERE username = $1 AND attribute = $2`,
				username, model.AttrCleartextPassword, *password, model.OpSet)
			if err != nil {
				return fmt.Errorf("ошибка обновления пароля: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
		} else {
			// FOR SHARE не даёт удалить пользователя до конца транзакции
			// и не мешает параллельным обновлениям других атрибутов
			var id int64
			err := tx.QueryRow(ctx, `
				SELECT id FROM radcheck
				WHERE username = $1 AND attribute = $2
				FOR SHARE`,
				username, model.AttrCleartextPassword).Scan(&id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("ошибка проверки пользователя RADIUS: %w", err)
			}
		}

		for _, a := range reply {
			if err := upsertReply(ctx, tx, username, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *radiusRepo) Delete(ctx context.Context, username string) (bool, error) {
	var existed bool
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		checkTag, err := tx.Exec(ctx, `DELETE FROM radcheck WHERE username = $1`, username)
		if err != nil {
			return fmt.Errorf("ошибка удаления строк check: %w", err)
		}
		replyTag, err := tx.Exec(ctx, `DELETE FROM radreply WHERE username = $1`, username)
		if err != nil {
			return fmt.Errorf("ошибка удаления строк reply: %w", err)
		}
		existed = checkTag.RowsAffected()+replyTag.RowsAffected() > 0
		return nil
	})
	return existed, err
}

func (r *radiusRepo) Converge(ctx context.Context, u model.RadiusUser, managed []string) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO radcheck (username, attribute, op, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (username, attribute)
			DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value
			WHERE radcheck.op IS DISTINCT FROM EXCLUDED.op
				OR radcheck.value IS DISTINCT FROM EXCLUDED.value`,
			u.Username, model.AttrCleartextPassword, model.OpSet, u.Password)
		if err != nil {
			return fmt.Errorf("ошибка записи пароля: %w", err)
		}

		desired := make([]string, 0, len(u.Reply))
		for _, a := range u.Reply {
			if err := upsertReply(ctx, tx, u.Username, a); err != nil {
				return err
			}
			desired = append(desired, a.Name)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM radreply
			WHERE username = $1
				AND attribute = ANY($2::text[])
				AND NOT (attribute = ANY($3::text[]))`,
			u.Username, managed, desired)
		if err != nil {
			return fmt.Errorf("ошибка удаления устаревших атрибутов: %w", err)
		}
		return nil
	})
}

func (r *radiusRepo) Get(ctx context.Context, username string) (*model.RadiusUser, error) {
	u := &model.RadiusUser{Username: username}
	err := r.db.QueryRow(ctx, `
		SELECT value FROM radcheck WHERE username = $1 AND attribute = $2`,
		username, model.AttrCleartextPassword).Scan(&u.Password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя RADIUS: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT attribute, TRIM(op), value FROM radreply
		WHERE username = $1
		ORDER BY attribute`, username)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения атрибутов reply: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.Name, &a.Op, &a.Value); err != nil {
			return nil, fmt.Errorf("ошибка сканирования атрибута: %w", err)
		}
		a.Kind = model.AttributeVendor
		if model.KnownAttribute(a.Name) {
			a.Kind = model.AttributeKnown
		}
		u.Reply = append(u.Reply, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *radiusRepo) Accounting(ctx context.Context, username string) (*model.AccountingSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE acctstoptime IS NULL),
			COALESCE(SUM(acctinputoctets), 0),
			COALESCE(SUM(acctoutputoctets), 0),
			COALESCE(SUM(acctsessiontime), 0)
		FROM radacct
		WHERE username = $1`

	s := &model.AccountingSummary{Username: username}
	err := r.db.QueryRow(ctx, query, username).Scan(
		&s.TotalSessions, &s.ActiveSessions,
		&s.TotalUploadBytes, &s.TotalDownloadBytes, &s.TotalSessionTime,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка агрегации radacct: %w", err)
	}
	return s, nil
}

func (r *radiusRepo) Sessions(ctx context.Context, username string, limit int) ([]model.AccountingSession, error) {
	query := `
		SELECT acctsessionid, host(nasipaddress), COALESCE(host(framedipaddress), ''),
			acctstarttime, acctstoptime,
			COALESCE(acctsessiontime, 0), COALESCE(acctinputoctets, 0), COALESCE(acctoutputoctets, 0),
			COALESCE(acctterminatecause, '')
		FROM radacct
		WHERE username = $1
		ORDER BY acctstarttime DESC NULLS LAST, radacctid DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, username, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сессий radacct: %w", err)
	}
	defer rows.Close()

	var result []model.AccountingSession
	for rows.Next() {
		var s model.AccountingSession
		if err := rows.Scan(
			&s.SessionID, &s.NASIPAddress, &s.FramedIP,
			&s.StartTime, &s.StopTime,
			&s.SessionTime, &s.UploadBytes, &s.DownloadBytes,
			&s.TerminateCause,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сессии: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// upsertReply записывает один атрибут reply, не трогая строку,
// если значение не изменилось.
func upsertReply(ctx context.Context, db DBTX, username string, a model.Attribute) error {
	_, err := db.Exec(ctx, `
		INSERT INTO radreply (username, attribute, op, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username, attribute)
		DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value
		WHERE radreply.op IS DISTINCT FROM EXCLUDED.op
			OR radreply.value IS DISTINCT FROM EXCLUDED.value`,
		username, a.Name, a.Op, a.Value)
	if err != nil {
		return fmt.Errorf("ошибка записи атрибута %s: %w", a.Name, err)
	}
	return nil
}
