package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"stargazer/internal/models"
)

// FilterType - вид выборки команд для слоя отображения.
type FilterType string

const (
	FilterAll         FilterType = "all"
	FilterStatus      FilterType = "status"
	FilterDevice      FilterType = "device"
	FilterCompleted   FilterType = "completed"
	FilterFailed      FilterType = "failed"
	FilterInProgress  FilterType = "in_progress"
	FilterSoftDeleted FilterType = "soft_deleted"
)

// ErrBadFilter - неизвестный вид фильтра или неразбираемое значение.
var ErrBadFilter = errors.New("некорректный фильтр")

// CommandFilter описывает выборку. Value используется для FilterStatus (число)
// и FilterDevice (ID устройства). FailureFloor - нижняя граница диапазона ошибок.
type CommandFilter struct {
	Type         FilterType
	Value        string
	FailureFloor models.CommandStatus
}

// where собирает условие и аргументы. Запрос и его count-пара строятся из одного условия,
// чтобы количество страниц всегда соответствовало выборке.
func (f CommandFilter) where() (string, []any, error) {
	floor := f.FailureFloor
	if floor == 0 {
		floor = models.DefaultFailureFloor
	}

	switch f.Type {
	case FilterAll, "":
		return "1 = 1", nil, nil
	case FilterStatus:
		v, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("%w: статус %q", ErrBadFilter, f.Value)
		}
		return "c.status = ?", []any{v}, nil
	case FilterDevice:
		v, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("%w: устройство %q", ErrBadFilter, f.Value)
		}
		return "c.device_id = ?", []any{v}, nil
	case FilterCompleted:
		return "c.status = ?", []any{models.StatusComplete}, nil
	case FilterFailed:
		return "((c.status BETWEEN ? AND ? AND c.status <> ?) OR c.status = ?)",
			[]any{floor, models.StatusFetchFailed, models.StatusSoftDeleted, models.StatusInvalidTarget}, nil
	case FilterInProgress:
		return "c.status BETWEEN ? AND ?", []any{models.StatusPending, models.StatusProcessing}, nil
	case FilterSoftDeleted:
		return "c.status = ?", []any{models.StatusSoftDeleted}, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrBadFilter, f.Type)
}

// ListCommands возвращает страницу команд с именами цели, позиции и устройства, новые первыми.
func (s *Store) ListCommands(ctx context.Context, f CommandFilter, page, pageSize int) ([]models.CommandView, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	limit, offset := pageBounds(page, pageSize)
	args = append(args, int64(limit), int64(offset))

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT c.id, c.target_id, c.position_id, c.device_id, c.status, c.estimate, c.created_at,
		       COALESCE(o.name, ''), COALESCE(p.name, ''), COALESCE(d.name, '')
		FROM commands c
		LEFT JOIN objects o ON o.id = c.target_id
		LEFT JOIN positions p ON p.id = c.position_id
		LEFT JOIN devices d ON d.id = c.device_id
		WHERE `+where+`
		ORDER BY c.id DESC
		LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса ListCommands: %w", err)
	}
	defer rows.Close()

	views := make([]models.CommandView, 0, limit)
	for rows.Next() {
		var (
			v        models.CommandView
			estimate sql.NullInt64
			created  int64
		)
		if err := rows.Scan(&v.ID, &v.TargetID, &v.PositionID, &v.DeviceID, &v.Status, &estimate, &created,
			&v.TargetName, &v.PositionName, &v.DeviceName); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ListCommands: %w", err)
		}
		v.Estimate = nullableUnix(estimate)
		v.CreatedAt = unixTime(created)
		views = append(views, v)
	}
	return views, rows.Err()
}

// CountCommands - количество команд под тем же фильтром, что и ListCommands.
func (s *Store) CountCommands(ctx context.Context, f CommandFilter) (int64, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM commands c WHERE "+where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка выполнения запроса CountCommands: %w", err)
	}
	return n, nil
}

// NextEstimate возвращает PROCESSING-команду с самой ранней оценкой завершения или nil, nil.
func (s *Store) NextEstimate(ctx context.Context) (*models.CommandView, error) {
	var (
		v        models.CommandView
		estimate sql.NullInt64
		created  int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT c.id, c.target_id, c.position_id, c.device_id, c.status, c.estimate, c.created_at,
		       COALESCE(o.name, ''), COALESCE(p.name, ''), COALESCE(d.name, '')
		FROM commands c
		LEFT JOIN objects o ON o.id = c.target_id
		LEFT JOIN positions p ON p.id = c.position_id
		LEFT JOIN devices d ON d.id = c.device_id
		WHERE c.status = ? AND c.estimate IS NOT NULL
		ORDER BY c.estimate ASC, c.id ASC
		LIMIT 1`), models.StatusProcessing,
	).Scan(&v.ID, &v.TargetID, &v.PositionID, &v.DeviceID, &v.Status, &estimate, &created,
		&v.TargetName, &v.PositionName, &v.DeviceName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка выполнения запроса NextEstimate: %w", err)
	}
	v.Estimate = nullableUnix(estimate)
	v.CreatedAt = unixTime(created)
	return &v, nil
}

// ListTargets возвращает справочник целей.
func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM objects ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса ListTargets: %w", err)
	}
	defer rows.Close()

	targets := make([]models.Target, 0, 9)
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ListTargets: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// pageBounds переводит номер страницы (с 1) в LIMIT/OFFSET.
func pageBounds(page, pageSize int) (limit, offset int) {
	if pageSize <= 0 {
		pageSize = 10
	}
	if page < 1 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}

// Pages - количество страниц для total записей (минимум одна).
func Pages(total int64, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 10
	}
	if total <= 0 {
		return 1
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
