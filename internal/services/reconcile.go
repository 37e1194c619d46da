package services

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"stargazer/internal/database"
	"stargazer/internal/events"
	"stargazer/internal/metrics"
	"stargazer/internal/models"
)

// ReconcileReport - итог одной сверки папки с каталогом.
type ReconcileReport struct {
	Listed  int `json:"listed"`
	Pruned  int `json:"pruned"`
	Adopted int `json:"adopted"`
	Skipped int `json:"skipped"`
}

// Reconciler сверяет папку изображений с каталогом. Папка - источник истины о наличии файла,
// каталог - о его метаданных.
type Reconciler struct {
	store  *database.Store
	dir    *ImageDirectory
	thumbs *Thumbnailer
	events events.Publisher
}

// NewReconciler. thumbs может быть nil.
func NewReconciler(store *database.Store, dir *ImageDirectory, thumbs *Thumbnailer, pub events.Publisher) *Reconciler {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Reconciler{store: store, dir: dir, thumbs: thumbs, events: pub}
}

// Reconcile удаляет записи об изображениях, файлов которых нет на диске, и при adoptOrphans
// регистрирует файлы без записи, если имя соответствует формату {timestamp}-{command_id}-{name}.{ext}.
// Ошибка чтения папки или каталога прерывает сверку до каких-либо изменений.
// Аномалии отдельных файлов логируются и пропускаются.
func (r *Reconciler) Reconcile(ctx context.Context, adoptOrphans bool) (report ReconcileReport, err error) {
	start := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObserveReconcile(result, report.Pruned, report.Adopted, time.Since(start))
	}()

	// Каталог читается до папки: файл любой уже зафиксированной записи был записан на диск
	// раньше, чем она попала в каталог, поэтому в последующем листинге он обязательно есть.
	rows, err := r.store.ListAllImages(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	files, err := r.dir.List()
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	report.Listed = len(files)

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f] = true
	}

	catalogued := make(map[string]bool, len(rows))
	for _, row := range rows {
		if onDisk[row.Path] {
			catalogued[row.Path] = true
			continue
		}
		log.Printf("Изображение %s не найдено в папке, запись удаляется", row.Path)
		if err := r.store.UnregisterImage(ctx, row.Path); err != nil {
			log.Printf("Не удалось удалить запись %s: %v", row.Path, err)
			continue
		}
		if r.thumbs != nil {
			if err := r.thumbs.Remove(row.Path); err != nil {
				log.Printf("Не удалось удалить миниатюру %s: %v", row.Path, err)
			}
		}
		report.Pruned++
		events.Emit(ctx, r.events, events.Event{Type: events.ImagePruned, CommandID: row.CommandID, Path: row.WebPath})
	}

	if !adoptOrphans {
		return report, nil
	}

	for _, path := range files {
		if catalogued[path] {
			continue
		}
		if r.adopt(ctx, path) {
			report.Adopted++
		} else {
			report.Skipped++
		}
	}
	if report.Pruned > 0 || report.Adopted > 0 {
		log.Printf("Сверка изображений: файлов %d, удалено записей %d, подхвачено %d, пропущено %d",
			report.Listed, report.Pruned, report.Adopted, report.Skipped)
	}
	return report, nil
}

// adopt регистрирует файл-сироту. false - файл пропущен.
func (r *Reconciler) adopt(ctx context.Context, path string) bool {
	base := filepath.Base(path)
	parsed, ok := ParseFilename(base)
	if !ok {
		return false
	}

	cmd, err := r.store.GetCommand(ctx, parsed.CommandID)
	if err != nil {
		log.Printf("Не удалось проверить команду %d для %s: %v", parsed.CommandID, base, err)
		return false
	}
	if cmd == nil {
		log.Printf("Файл %s ссылается на несуществующую команду %d, пропущен", base, parsed.CommandID)
		return false
	}
	if cmd.Status.AcceptsUpload() {
		// Файл незавершённой или оборвавшейся загрузки: устройство загрузит изображение заново.
		log.Printf("Команда %d ожидает загрузки (%s), файл %s пропущен", cmd.ID, cmd.Status, base)
		return false
	}
	existing, err := r.store.GetImageByCommand(ctx, parsed.CommandID)
	if err != nil {
		log.Printf("Не удалось проверить изображение команды %d: %v", parsed.CommandID, err)
		return false
	}
	if existing != nil {
		log.Printf("У команды %d уже есть изображение %s, файл %s пропущен", parsed.CommandID, existing.Path, base)
		return false
	}

	checksum, err := FileChecksum(path)
	if err != nil {
		log.Printf("Не удалось прочитать %s: %v", path, err)
		return false
	}
	img := &models.Image{
		Name:      parsed.Name,
		Path:      path,
		WebPath:   r.dir.WebPath(base),
		CommandID: parsed.CommandID,
		Checksum:  checksum,
	}
	if _, err := r.store.RegisterImage(ctx, img); err != nil {
		// Статус перепроверяется под блокировкой строки команды: ErrStateChanged,
		// ErrDuplicate и ErrNotFound значат, что параллельная операция успела раньше.
		log.Printf("Файл %s не подхвачен: %v", base, err)
		return false
	}
	log.Printf("Подхвачен файл %s для команды %d", base, parsed.CommandID)
	events.Emit(ctx, r.events, events.Event{Type: events.ImageAdopted, CommandID: parsed.CommandID, Path: img.WebPath})
	return true
}

// Run выполняет сверку каждые interval до отмены ctx.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, adoptOrphans bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx, adoptOrphans); err != nil {
				log.Printf("Периодическая сверка изображений не удалась: %v", err)
			}
		}
	}
}
