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

const imageColumns = "id, name, path, web_path, command_id, checksum, created_at"

func scanImage(row rowScanner) (*models.Image, error) {
	img := &models.Image{}
	var created int64
	if err := row.Scan(&img.ID, &img.Name, &img.Path, &img.WebPath, &img.CommandID, &img.Checksum, &created); err != nil {
		return nil, err
	}
	img.CreatedAt = unixTime(created)
	return img, nil
}

// CompleteCommandWithImage вставляет запись об изображении и переводит команду в COMPLETE
// одной транзакцией: либо есть и строка изображения, и статус COMPLETE, либо ничего.
// Переход разрешён только из статусов from. Если статус уже другой - ErrStateChanged,
// при конфликте пути или повторном изображении команды - ErrDuplicate.
func (s *Store) CompleteCommandWithImage(ctx context.Context, img *models.Image, from ...models.CommandStatus) (int64, error) {
	if len(from) == 0 {
		return 0, errors.New("не указаны исходные статусы")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка начала транзакции CompleteCommandWithImage: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{models.StatusComplete, now, img.CommandID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE commands SET status = ?, updated_at = ? WHERE id = ? AND status IN ("+placeholders+")"), args...)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода команды %d в COMPLETE: %w", img.CommandID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения rowsAffected в CompleteCommandWithImage: %w", err)
	}
	if affected == 0 {
		return 0, ErrStateChanged
	}

	id, err := s.insertImage(ctx, tx, img, now)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("ошибка фиксации транзакции CompleteCommandWithImage: %w", err)
	}
	img.ID = id
	img.CreatedAt = unixTime(now)
	log.Printf("Изображение зарегистрировано: ID=%d, Command=%d, Path=%s", id, img.CommandID, img.Path)
	return id, nil
}

// RegisterImage добавляет запись об изображении без изменения статуса команды.
// Используется при подхвате файлов, найденных на диске. Команда в FETCHED или PROCESSING
// ждёт загрузки от устройства, её файл может принадлежать незавершённой загрузке:
// такая команда не трогается (ErrStateChanged). Несуществующая команда - ErrNotFound.
func (s *Store) RegisterImage(ctx context.Context, img *models.Image) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка начала транзакции RegisterImage: %w", err)
	}
	defer tx.Rollback()

	// Пустое обновление блокирует строку команды до конца транзакции, так что
	// параллельный CompleteCommandWithImage либо уже зафиксирован, либо ждёт нас.
	res, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE commands SET status = status WHERE id = ? AND status NOT IN (?, ?)"),
		img.CommandID, models.StatusFetched, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("ошибка блокировки команды %d: %w", img.CommandID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения rowsAffected в RegisterImage: %w", err)
	}
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind("SELECT 1 FROM commands WHERE id = ?"), img.CommandID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("изображение %s ссылается на отсутствующую команду %d: %w", img.Path, img.CommandID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("ошибка проверки команды %d: %w", img.CommandID, err)
		}
		return 0, fmt.Errorf("команда %d ожидает загрузки: %w", img.CommandID, ErrStateChanged)
	}

	now := s.now().Unix()
	id, err := s.insertImage(ctx, tx, img, now)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("ошибка фиксации транзакции RegisterImage: %w", err)
	}
	img.ID = id
	img.CreatedAt = unixTime(now)
	return id, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertImage(ctx context.Context, q queryRower, img *models.Image, now int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO images (name, path, web_path, command_id, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		img.Name, img.Path, img.WebPath, img.CommandID, img.Checksum, now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("изображение %s (команда %d): %w", img.Path, img.CommandID, ErrDuplicate)
		}
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("изображение %s ссылается на отсутствующую команду %d: %w", img.Path, img.CommandID, ErrNotFound)
		}
		return 0, fmt.Errorf("ошибка выполнения запроса insertImage: %w", err)
	}
	return id, nil
}

// UnregisterImage удаляет запись об изображении по пути на диске.
func (s *Store) UnregisterImage(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM images WHERE path = ?"), path)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи изображения %s: %w", path, err)
	}
	return nil
}

// ListAllImages возвращает весь каталог изображений (для сверки с диском).
func (s *Store) ListAllImages(ctx context.Context) ([]models.Image, error) {
	return s.queryImages(ctx, "SELECT "+imageColumns+" FROM images ORDER BY id")
}

// ListImages возвращает страницу изображений, новые первыми. page начинается с 1.
func (s *Store) ListImages(ctx context.Context, page, pageSize int) ([]models.Image, error) {
	limit, offset := pageBounds(page, pageSize)
	return s.queryImages(ctx, s.rebind("SELECT "+imageColumns+" FROM images ORDER BY id DESC LIMIT ? OFFSET ?"), int64(limit), int64(offset))
}

// CountImages - количество изображений в каталоге.
func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка выполнения запроса CountImages: %w", err)
	}
	return n, nil
}

// LatestImage возвращает последнее зарегистрированное изображение или nil, nil.
func (s *Store) LatestImage(ctx context.Context) (*models.Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM images ORDER BY id DESC LIMIT 1"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования LatestImage: %w", err)
	}
	return img, nil
}

// GetImageByCommand возвращает изображение команды или nil, nil.
func (s *Store) GetImageByCommand(ctx context.Context, commandID int64) (*models.Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+imageColumns+" FROM images WHERE command_id = ?"), commandID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования GetImageByCommand для %d: %w", commandID, err)
	}
	return img, nil
}

func (s *Store) queryImages(ctx context.Context, query string, args ...any) ([]models.Image, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса изображений: %w", err)
	}
	defer rows.Close()

	images := make([]models.Image, 0, 16)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования изображения: %w", err)
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}
