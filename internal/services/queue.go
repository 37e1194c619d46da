package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"stargazer/internal/database"
	"stargazer/internal/events"
	"stargazer/internal/metrics"
	"stargazer/internal/models"
)

// CommandQueue - жизненный цикл команд: постановка, выдача устройству, отчёты, удаление.
// Все конфликтующие изменения выполняются условными обновлениями в каталоге,
// поэтому несколько экземпляров сервиса могут работать с одной БД.
type CommandQueue struct {
	store  *database.Store
	events events.Publisher
	floor  models.CommandStatus
}

func NewCommandQueue(store *database.Store, pub events.Publisher, failureFloor models.CommandStatus) *CommandQueue {
	if failureFloor >= 0 {
		failureFloor = models.DefaultFailureFloor
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &CommandQueue{store: store, events: pub, floor: failureFloor}
}

// FailureFloor - нижняя граница диапазона статусов-отказов.
func (q *CommandQueue) FailureFloor() models.CommandStatus { return q.floor }

// Enqueue ставит команду в очередь устройства.
// Неизвестные цель, позиция или устройство - ErrValidation, строка не создаётся.
func (q *CommandQueue) Enqueue(ctx context.Context, targetID, positionID, deviceID int64) (*models.Command, error) {
	cmd, err := q.store.EnqueueCommand(ctx, targetID, positionID, deviceID)
	if err != nil {
		if errors.Is(err, database.ErrUnknownTarget) || errors.Is(err, database.ErrUnknownPosition) ||
			errors.Is(err, database.ErrUnknownDevice) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	metrics.IncEnqueued()
	events.Emit(ctx, q.events, events.Event{
		Type: events.CommandEnqueued, CommandID: cmd.ID, DeviceID: deviceID, Status: int(cmd.Status),
	})
	return cmd, nil
}

// Dispatch выдаёт устройству самую старую ожидающую команду и переводит её в FETCHED.
// Возвращает nil, nil, если выдавать нечего. Команда с неразрешимыми целью или позицией
// переводится в INVALID_TARGET и не выдаётся; устройство получает "нет команд".
func (q *CommandQueue) Dispatch(ctx context.Context, token string) (*models.DispatchedCommand, error) {
	if err := q.authorize(ctx, token); err != nil {
		return nil, err
	}

	cmd, err := q.store.ClaimNextCommand(ctx, token)
	if err != nil {
		metrics.IncDispatch(metrics.ResultError)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if cmd == nil {
		metrics.IncDispatch(metrics.ResultEmpty)
		return nil, nil
	}

	target, _, err := q.store.ResolveNames(ctx, cmd.TargetID, cmd.PositionID)
	if err != nil {
		// Устройство команду не получило: возвращаем её в очередь до следующего опроса.
		if rerr := q.store.TransitionCommand(ctx, cmd.ID, models.StatusFetched, models.StatusPending, nil); rerr != nil {
			log.Printf("Не удалось вернуть команду %d в PENDING: %v", cmd.ID, rerr)
		}
		metrics.IncDispatch(metrics.ResultError)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	_, knownPosition := models.Position(cmd.PositionID).Name()
	if target == "" || !knownPosition {
		log.Printf("Команда %d ссылается на неизвестные цель/позицию (%d/%d), помечена как INVALID_TARGET", cmd.ID, cmd.TargetID, cmd.PositionID)
		if err := q.store.TransitionCommand(ctx, cmd.ID, models.StatusFetched, models.StatusInvalidTarget, nil); err != nil {
			log.Printf("Не удалось пометить команду %d как INVALID_TARGET: %v", cmd.ID, err)
		}
		metrics.IncDispatch(metrics.ResultInvalid)
		events.Emit(ctx, q.events, events.Event{
			Type: events.CommandDispatched, CommandID: cmd.ID, DeviceID: cmd.DeviceID, Status: int(models.StatusInvalidTarget),
		})
		return nil, nil
	}

	metrics.IncDispatch(metrics.ResultSuccess)
	events.Emit(ctx, q.events, events.Event{
		Type: events.CommandDispatched, CommandID: cmd.ID, DeviceID: cmd.DeviceID, Status: int(models.StatusFetched),
	})
	log.Printf("Команда %d выдана устройству %d", cmd.ID, cmd.DeviceID)
	return &models.DispatchedCommand{Target: target, Position: cmd.PositionID, ID: cmd.ID}, nil
}

// Report применяет отчёт устройства о статусе команды.
// Проверки по порядку: токен, диапазон статуса, принадлежность команды, допустимость перехода.
// Оценка времени сохраняется только при переходе в PROCESSING.
func (q *CommandQueue) Report(ctx context.Context, token string, id int64, status models.CommandStatus, estimate *int64) (*models.Command, error) {
	if err := q.authorize(ctx, token); err != nil {
		return nil, err
	}
	if !status.Known(q.floor) {
		metrics.IncReport("out_of_range")
		return nil, fmt.Errorf("%w: %d", ErrStatusOutOfRange, status)
	}
	cmd, err := q.commandFor(ctx, token, id)
	if err != nil {
		return nil, err
	}
	if status != models.StatusProcessing {
		estimate = nil
	}
	return q.transition(ctx, cmd, status, estimate)
}

// ReportResponse - устаревшая форма отчёта: устройство сообщает только успех или неудачу.
// PROCESSING + успех ничего не меняет.
func (q *CommandQueue) ReportResponse(ctx context.Context, token string, id int64, success bool) (*models.Command, error) {
	if err := q.authorize(ctx, token); err != nil {
		return nil, err
	}
	cmd, err := q.commandFor(ctx, token, id)
	if err != nil {
		return nil, err
	}
	next, ok := models.StatusFromResponse(cmd.Status, success)
	if !ok {
		metrics.IncReport("illegal")
		return nil, fmt.Errorf("%w: ответ в статусе %s", ErrIllegalTransition, cmd.Status)
	}
	if next == cmd.Status {
		metrics.IncReport(next.String())
		return cmd, nil
	}
	return q.transition(ctx, cmd, next, nil)
}

func (q *CommandQueue) transition(ctx context.Context, cmd *models.Command, to models.CommandStatus, estimate *int64) (*models.Command, error) {
	if !models.CanReport(cmd.Status, to) {
		metrics.IncReport("illegal")
		log.Printf("Отклонён переход команды %d: %s -> %s", cmd.ID, cmd.Status, to)
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cmd.Status, to)
	}
	err := q.store.TransitionCommand(ctx, cmd.ID, cmd.Status, to, estimate)
	if err != nil {
		if errors.Is(err, database.ErrStateChanged) {
			// Статус сменился между чтением и записью (параллельный отчёт или удаление оператором).
			metrics.IncReport("illegal")
			return nil, fmt.Errorf("%w: статус команды %d изменился", ErrIllegalTransition, cmd.ID)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	from := cmd.Status
	cmd.Status = to
	if estimate != nil {
		cmd.Estimate = estimate
	}
	metrics.IncReport(to.String())
	events.Emit(ctx, q.events, events.Event{
		Type: events.CommandReported, CommandID: cmd.ID, DeviceID: cmd.DeviceID, Status: int(to),
	})
	log.Printf("Команда %d: %s -> %s", cmd.ID, from, to)
	return cmd, nil
}

// SoftDelete помечает команду удалённой из любого статуса. Повторный вызов не ошибка.
func (q *CommandQueue) SoftDelete(ctx context.Context, id int64) error {
	if err := q.store.SoftDeleteCommand(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: команда %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	events.Emit(ctx, q.events, events.Event{Type: events.CommandDeleted, CommandID: id, Status: int(models.StatusSoftDeleted)})
	return nil
}

// DeleteAllForDevice физически удаляет все команды устройства (и их изображения в каталоге).
func (q *CommandQueue) DeleteAllForDevice(ctx context.Context, token string) (int64, error) {
	n, err := q.store.DeleteCommandsForDevice(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("%w: устройство", ErrNotFound)
		}
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	log.Printf("Удалено %d команд устройства", n)
	return n, nil
}

// CreateDevice регистрирует устройство и выдаёт ему новый токен.
func (q *CommandQueue) CreateDevice(ctx context.Context, name string) (*models.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: имя устройства обязательно", ErrValidation)
	}
	d, err := q.store.CreateDevice(ctx, name, NewDeviceToken())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return d, nil
}

// DeleteDevice удаляет устройство вместе с командами одной транзакцией.
func (q *CommandQueue) DeleteDevice(ctx context.Context, id int64) error {
	if err := q.store.DeleteDevice(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: устройство %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (q *CommandQueue) ListDevices(ctx context.Context) ([]models.Device, error) {
	devices, err := q.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return devices, nil
}

func (q *CommandQueue) authorize(ctx context.Context, token string) error {
	ok, err := q.store.VerifyToken(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (q *CommandQueue) commandFor(ctx context.Context, token string, id int64) (*models.Command, error) {
	cmd, err := q.store.GetCommandForDevice(ctx, token, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if cmd == nil {
		metrics.IncReport("not_found")
		return nil, fmt.Errorf("%w: команда %d", ErrNotFound, id)
	}
	return cmd, nil
}
