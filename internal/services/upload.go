package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"stargazer/internal/database"
	"stargazer/internal/events"
	"stargazer/internal/metrics"
	"stargazer/internal/models"
)

// DefaultMaxUploadBytes - предел размера декодированного изображения по умолчанию.
const DefaultMaxUploadBytes = 16 << 20

// Uploader принимает изображение от устройства, сохраняет его и завершает команду.
// До фиксации транзакции каталога команда остаётся в прежнем статусе, а записанный файл
// удаляется при любой ошибке: загрузку можно безопасно повторить.
type Uploader struct {
	store    *database.Store
	dir      *ImageDirectory
	thumbs   *Thumbnailer
	events   events.Publisher
	maxBytes int
	now      func() time.Time
}

// NewUploader. thumbs может быть nil - тогда миниатюры не строятся.
func NewUploader(store *database.Store, dir *ImageDirectory, thumbs *Thumbnailer, pub events.Publisher, maxBytes int) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Uploader{store: store, dir: dir, thumbs: thumbs, events: pub, maxBytes: maxBytes, now: time.Now}
}

// Upload проверяет токен, декодирует и распознаёт изображение, записывает файл
// и одной транзакцией регистрирует изображение и переводит команду в COMPLETE.
func (u *Uploader) Upload(ctx context.Context, token string, id int64, encoded string) (img *models.Image, err error) {
	start := time.Now()
	size := 0
	defer func() {
		metrics.ObserveUpload(uploadResult(err), size, time.Since(start))
	}()

	ok, err := u.store.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	data, err := DecodePayload(encoded, u.maxBytes)
	if err != nil {
		return nil, err
	}
	size = len(data)
	ext, err := DetectImageType(data)
	if err != nil {
		return nil, err
	}
	if !u.dir.AllowsExt(ext) {
		return nil, fmt.Errorf("%w: расширение %s не разрешено", ErrBadPayload, ext)
	}

	cmd, err := u.store.GetCommandForDevice(ctx, token, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: команда %d", ErrNotFound, id)
	}
	if !cmd.Status.AcceptsUpload() {
		return nil, fmt.Errorf("%w: загрузка в статусе %s", ErrIllegalTransition, cmd.Status)
	}

	// Имена нужны только для имени файла: при сбое подставляем заглушку, а не теряем загрузку.
	target, position, nerr := u.store.ResolveNames(ctx, cmd.TargetID, cmd.PositionID)
	if nerr != nil {
		log.Printf("Не удалось получить имена для команды %d, используется %q: %v", cmd.ID, UnknownName, nerr)
		target, position = UnknownName, UnknownName
	}

	ts := u.now()
	img = &models.Image{
		Name:      DisplayName(target, position),
		CommandID: cmd.ID,
		Checksum:  Checksum(data),
	}

	// Одна повторная попытка с уточнением имени при коллизии файла или пути в каталоге.
	for attempt, suffix := range []string{"", "_1"} {
		last := attempt == 1
		name := BuildFilename(ts, cmd.ID, target, position, suffix, ext)

		path, werr := u.dir.WriteNew(name, data)
		if werr != nil {
			if errors.Is(werr, fs.ErrExist) && !last {
				log.Printf("Файл %s уже существует, повтор с другим именем", name)
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, werr)
		}

		img.Path = path
		img.WebPath = u.dir.WebPath(name)
		_, cerr := u.store.CompleteCommandWithImage(ctx, img, models.StatusFetched, models.StatusProcessing)
		if cerr == nil {
			break
		}
		u.cleanupFile(path)
		switch {
		case errors.Is(cerr, database.ErrDuplicate) && !last:
			log.Printf("Путь %s уже занят в каталоге, повтор с другим именем", path)
			continue
		case errors.Is(cerr, database.ErrStateChanged):
			return nil, fmt.Errorf("%w: статус команды %d изменился во время загрузки", ErrIllegalTransition, cmd.ID)
		default:
			return nil, fmt.Errorf("%w: %w", ErrStorage, cerr)
		}
	}

	if u.thumbs != nil {
		if _, terr := u.thumbs.Generate(img.Path); terr != nil {
			log.Printf("Миниатюра для %s не создана: %v", img.Path, terr)
		}
	}
	events.Emit(ctx, u.events, events.Event{
		Type: events.CommandCompleted, CommandID: cmd.ID, DeviceID: cmd.DeviceID,
		Status: int(models.StatusComplete), Path: img.WebPath,
	})
	log.Printf("Команда %d завершена, изображение %s", cmd.ID, img.Path)
	return img, nil
}

// cleanupFile удаляет файл, для которого не удалось создать запись в каталоге.
func (u *Uploader) cleanupFile(path string) {
	if err := u.dir.Remove(path); err != nil {
		log.Printf("Не удалось удалить файл %s после ошибки каталога: %v", path, err)
	}
}

func uploadResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	}
	return metrics.ResultError
}
