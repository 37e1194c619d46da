package models

import (
	"time"
)

// Device представляет удалённое устройство (камеру), идентифицируемое токеном.
// Соответствует строке таблицы 'devices'.
type Device struct {
	ID    int64  `json:"id"`    // Уникальный идентификатор устройства (Primary Key)
	Token string `json:"token"` // Непрозрачный токен устройства (UNIQUE)
	Name  string `json:"name"`  // Человекочитаемое имя
}

// Target - небесный объект из справочника 'objects'.
type Target struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Command - задание для одного устройства.
// Поля соответствуют столбцам таблицы 'commands'.
type Command struct {
	ID         int64         `json:"id"`
	TargetID   int64         `json:"target_id"`   // Ссылка на objects(id)
	PositionID int64         `json:"position_id"` // Ссылка на positions(id)
	DeviceID   int64         `json:"device_id"`   // Устройство-владелец
	Status     CommandStatus `json:"status"`
	Estimate   *int64        `json:"time,omitempty"` // Оценка завершения (Unix-время), может отсутствовать
	CreatedAt  time.Time     `json:"created_at"`
}

// CommandView - команда вместе с именами из справочников, для слоя отображения.
type CommandView struct {
	Command
	TargetName   string `json:"target"`
	PositionName string `json:"position"`
	DeviceName   string `json:"name"`
}

// DispatchedCommand - то, что получает устройство при успешном опросе очереди.
type DispatchedCommand struct {
	Target   string `json:"target"`
	Position int64  `json:"position"`
	ID       int64  `json:"id"`
}

// Image представляет запись об изображении в каталоге.
// Поля соответствуют столбцам в таблице 'images'.
type Image struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`       // Отображаемое имя (target_position)
	Path      string    `json:"-"`          // Путь на диске (UNIQUE), клиенту не отдаём
	WebPath   string    `json:"web_path"`   // Публичный путь (UNIQUE)
	CommandID int64     `json:"command_id"` // Команда-владелец (UNIQUE: не более одного изображения на команду)
	Checksum  string    `json:"checksum"`   // BLAKE3 содержимого файла
	CreatedAt time.Time `json:"created_at"`
}
