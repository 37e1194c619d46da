package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"stargazer/internal/models"
)

const commandColumns = "id, target_id, position_id, device_id, status, estimate, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*models.Command, error) {
	c := &models.Command{}
	var estimate sql.NullInt64
	var created int64
	if err := row.Scan(&c.ID, &c.TargetID, &c.PositionID, &c.DeviceID, &c.Status, &estimate, &created); err != nil {
		return nil, err
	}
	c.Estimate = nullableUnix(estimate)
	c.CreatedAt = unixTime(created)
	return c, nil
}

// EnqueueCommand создаёт команду в статусе PENDING.
// Цель, позиция и устройство проверяются в той же транзакции, что и вставка:
// при неизвестной ссылке строка не создаётся.
func (s *Store) EnqueueCommand(ctx context.Context, targetID, positionID, deviceID int64) (*models.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции EnqueueCommand: %w", err)
	}
	defer tx.Rollback()

	checks := []struct {
		query string
		id    int64
		err   error
	}{
		{"SELECT 1 FROM objects WHERE id = ?", targetID, ErrUnknownTarget},
		{"SELECT 1 FROM positions WHERE id = ?", positionID, ErrUnknownPosition},
		{"SELECT 1 FROM devices WHERE id = ?", deviceID, ErrUnknownDevice},
	}
	for _, chk := range checks {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(chk.query), chk.id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", chk.err, chk.id)
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки ссылок EnqueueCommand: %w", err)
		}
	}

	now := s.now().Unix()
	row := tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO commands (target_id, position_id, device_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+commandColumns),
		targetID, positionID, deviceID, models.StatusPending, now, now,
	)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса EnqueueCommand: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции EnqueueCommand: %w", err)
	}
	log.Printf("Команда %d поставлена в очередь (цель %d, позиция %d, устройство %d)", cmd.ID, targetID, positionID, deviceID)
	return cmd, nil
}

// ClaimNextCommand атомарно переводит самую старую PENDING-команду устройства в FETCHED
// и возвращает её. Выбор и обновление - один оператор UPDATE ... RETURNING с повторной
// проверкой status в WHERE, поэтому два параллельных опроса не получат одну и ту же команду.
// Возвращает nil, nil, если ожидающих команд нет.
func (s *Store) ClaimNextCommand(ctx context.Context, token string) (*models.Command, error) {
	lock := ""
	if s.driver == DriverPostgres {
		// Параллельные опросы пропускают уже захваченную строку, а не ждут её.
		lock = " FOR UPDATE OF c SKIP LOCKED"
	}
	query := `
		UPDATE commands SET status = ?, updated_at = ?
		WHERE id = (
			SELECT c.id FROM commands c
			JOIN devices d ON d.id = c.device_id
			WHERE d.token = ? AND c.status = ?
			ORDER BY c.created_at ASC, c.id ASC
			LIMIT 1` + lock + `
		) AND status = ?
		RETURNING ` + commandColumns

	row := s.db.QueryRowContext(ctx, s.rebind(query),
		models.StatusFetched, s.now().Unix(), token, models.StatusPending, models.StatusPending)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка выполнения запроса ClaimNextCommand: %w", err)
	}
	return cmd, nil
}

// ResolveNames возвращает имена цели и позиции. Отсутствующая запись справочника
// даёт пустую строку, а не ошибку.
func (s *Store) ResolveNames(ctx context.Context, targetID, positionID int64) (target, position string, err error) {
	var t, p sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT (SELECT name FROM objects WHERE id = ?), (SELECT name FROM positions WHERE id = ?)`),
		targetID, positionID,
	).Scan(&t, &p)
	if err != nil {
		return "", "", fmt.Errorf("ошибка выполнения запроса ResolveNames: %w", err)
	}
	return strings.TrimSpace(t.String), strings.TrimSpace(p.String), nil
}

// GetCommand возвращает команду по ID или nil, nil.
func (s *Store) GetCommand(ctx context.Context, id int64) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+commandColumns+" FROM commands WHERE id = ?"), id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования GetCommand для %d: %w", id, err)
	}
	return cmd, nil
}

// GetCommandForDevice возвращает команду, только если она принадлежит устройству с данным токеном.
// Возвращает nil, nil, если такой пары нет.
func (s *Store) GetCommandForDevice(ctx context.Context, token string, id int64) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT c.id, c.target_id, c.position_id, c.device_id, c.status, c.estimate, c.created_at
		FROM commands c
		JOIN devices d ON d.id = c.device_id
		WHERE d.token = ? AND c.id = ?`), token, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования GetCommandForDevice для %d: %w", id, err)
	}
	return cmd, nil
}

// TransitionCommand - условный переход from -> to (compare-and-swap по статусу).
// estimate записывается только если не nil. Если статус уже не from, возвращает ErrStateChanged.
func (s *Store) TransitionCommand(ctx context.Context, id int64, from, to models.CommandStatus, estimate *int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE commands
		SET status = ?, estimate = COALESCE(?, estimate), updated_at = ?
		WHERE id = ? AND status = ?`),
		to, unixOrNil(estimate), s.now().Unix(), id, from,
	)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса TransitionCommand для %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения rowsAffected в TransitionCommand для %d: %w", id, err)
	}
	if affected == 0 {
		return ErrStateChanged
	}
	return nil
}

// SoftDeleteCommand помечает команду удалённой независимо от текущего статуса. Идемпотентна.
func (s *Store) SoftDeleteCommand(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE commands SET status = ?, updated_at = ? WHERE id = ?"),
		models.StatusSoftDeleted, s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса SoftDeleteCommand для %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения rowsAffected в SoftDeleteCommand для %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
