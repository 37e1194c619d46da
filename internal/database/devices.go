package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"stargazer/internal/models"
)

// CreateDevice регистрирует устройство с готовым токеном.
// Возвращает ErrDuplicate, если такой токен уже есть.
func (s *Store) CreateDevice(ctx context.Context, name, token string) (*models.Device, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind("INSERT INTO devices (token, name) VALUES (?, ?) RETURNING id"),
		token, name,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("устройство с таким токеном уже существует: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("ошибка выполнения запроса CreateDevice: %w", err)
	}
	log.Printf("Создано устройство: %s (ID: %d)", name, id)
	return &models.Device{ID: id, Token: token, Name: name}, nil
}

// GetDeviceByToken ищет устройство по токену.
// Возвращает nil, nil, если устройство не найдено.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*models.Device, error) {
	d := &models.Device{}
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT id, token, name FROM devices WHERE token = ?"), token,
	).Scan(&d.ID, &d.Token, &d.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сканирования GetDeviceByToken: %w", err)
	}
	return d, nil
}

// VerifyToken - проверка токена устройства для API.
func (s *Store) VerifyToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	d, err := s.GetDeviceByToken(ctx, token)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}

// ListDevices возвращает все устройства, упорядоченные по ID.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, token, name FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса ListDevices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0, 8)
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Token, &d.Name); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ListDevices: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteCommandsForDevice удаляет все команды устройства (и их изображения) в одной транзакции.
// Возвращает количество удалённых команд.
func (s *Store) DeleteCommandsForDevice(ctx context.Context, token string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка начала транзакции DeleteCommandsForDevice: %w", err)
	}
	defer tx.Rollback()

	var deviceID int64
	err = tx.QueryRowContext(ctx, s.rebind("SELECT id FROM devices WHERE token = ?"), token).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка поиска устройства DeleteCommandsForDevice: %w", err)
	}

	n, err := s.deleteCommandsTx(ctx, tx, deviceID)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("ошибка фиксации транзакции DeleteCommandsForDevice: %w", err)
	}
	return n, nil
}

// DeleteDevice удаляет устройство вместе с командами и изображениями одной транзакцией,
// чтобы не оставить осиротевших команд при сбое на полпути.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции DeleteDevice: %w", err)
	}
	defer tx.Rollback()

	n, err := s.deleteCommandsTx(ctx, tx, id)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM devices WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("ошибка удаления устройства %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения rowsAffected в DeleteDevice: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции DeleteDevice: %w", err)
	}
	log.Printf("Устройство %d удалено вместе с %d командами.", id, n)
	return nil
}

func (s *Store) deleteCommandsTx(ctx context.Context, tx *sql.Tx, deviceID int64) (int64, error) {
	// Сначала изображения: они ссылаются на команды.
	_, err := tx.ExecContext(ctx, s.rebind(
		"DELETE FROM images WHERE command_id IN (SELECT id FROM commands WHERE device_id = ?)"), deviceID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления изображений устройства %d: %w", deviceID, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM commands WHERE device_id = ?"), deviceID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления команд устройства %d: %w", deviceID, err)
	}
	return res.RowsAffected()
}
