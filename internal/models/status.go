package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// CommandStatus - статус команды. Хранится в БД как знаковое целое.
type CommandStatus int

const (
	StatusInvalidTarget CommandStatus = -9 // Команда ссылается на неразрешимые цель/позицию (терминальный)
	StatusSoftDeleted   CommandStatus = -6 // Помечена оператором как удалённая
	StatusProcessFailed CommandStatus = -2
	StatusFetchFailed   CommandStatus = -1
	StatusPending       CommandStatus = 0
	StatusFetched       CommandStatus = 1
	StatusProcessing    CommandStatus = 2
	StatusComplete      CommandStatus = 3
)

// DefaultFailureFloor - нижняя граница диапазона ошибок [-5, -1].
// Значения ниже -2 зарезервированы под будущие виды отказов.
const DefaultFailureFloor CommandStatus = -5

// reportTransitions - единственная таблица переходов, которые может запросить устройство.
// PROCESSING -> PROCESSING означает "снимок готов, ждём загрузку".
var reportTransitions = map[CommandStatus]map[CommandStatus]bool{
	StatusFetched: {
		StatusProcessing:  true,
		StatusFetchFailed: true,
	},
	StatusProcessing: {
		StatusProcessing:    true,
		StatusProcessFailed: true,
	},
}

var statusNames = map[CommandStatus]string{
	StatusInvalidTarget: "invalid_target",
	StatusSoftDeleted:   "deleted",
	StatusProcessFailed: "process_failed",
	StatusFetchFailed:   "fetch_failed",
	StatusPending:       "pending",
	StatusFetched:       "fetched",
	StatusProcessing:    "processing",
	StatusComplete:      "complete",
}

func (s CommandStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Defined сообщает, является ли значение одним из именованных статусов.
func (s CommandStatus) Defined() bool {
	_, ok := statusNames[s]
	return ok
}

// Known - именованный статус либо значение из зарезервированного диапазона ошибок.
func (s CommandStatus) Known(floor CommandStatus) bool {
	return s.Defined() || s.IsFailure(floor)
}

// IsFailure - статус попадает в диапазон отказов [floor, -1] или это INVALID_TARGET.
func (s CommandStatus) IsFailure(floor CommandStatus) bool {
	if s == StatusInvalidTarget {
		return true
	}
	return s <= StatusFetchFailed && s >= floor && s != StatusSoftDeleted
}

// AcceptsUpload - из этих статусов загрузка изображения переводит команду в COMPLETE.
func (s CommandStatus) AcceptsUpload() bool {
	return s == StatusFetched || s == StatusProcessing
}

// CanReport проверяет переход по таблице reportTransitions.
func CanReport(from, to CommandStatus) bool {
	nexts, ok := reportTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

// StatusFromResponse переводит устаревший ответ устройства (true/false) в новый статус.
// Второе значение false, если в текущем статусе ответ не ожидается.
func StatusFromResponse(current CommandStatus, success bool) (CommandStatus, bool) {
	switch current {
	case StatusFetched:
		if success {
			return StatusProcessing, true
		}
		return StatusFetchFailed, true
	case StatusProcessing:
		if success {
			return StatusProcessing, true
		}
		return StatusProcessFailed, true
	}
	return current, false
}

// Value сохраняет статус как целое (driver.Valuer).
func (s CommandStatus) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan читает статус из целого столбца (sql.Scanner).
func (s *CommandStatus) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*s = CommandStatus(v)
	case int32:
		*s = CommandStatus(v)
	case []byte:
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("статус команды %q: %w", v, err)
		}
		*s = CommandStatus(n)
	default:
		return fmt.Errorf("неподдерживаемый тип статуса команды: %T", src)
	}
	return nil
}
