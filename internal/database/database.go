package database

import (
	// Стандартные библиотеки
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strconv"
	"strings"
	"time"

	// Миграции схемы
	"github.com/pressly/goose/v3"

	// Драйверы. Пустой импорт регистрирует драйвер в database/sql.
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // драйвер "pgx" для общего (многоэкземплярного) каталога
	_ "modernc.org/sqlite"             // драйвер "sqlite" (по умолчанию)
)

// Поддерживаемые СУБД каталога.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound - строка не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrDuplicate - нарушено ограничение уникальности (путь, web-путь или изображение команды).
	ErrDuplicate = errors.New("нарушение уникальности")
	// ErrStateChanged - условное обновление не затронуло строк: статус уже изменился.
	ErrStateChanged = errors.New("статус команды изменился")
	// ErrUnknownTarget, ErrUnknownPosition, ErrUnknownDevice - ссылка на несуществующую запись справочника.
	ErrUnknownTarget   = errors.New("неизвестная цель")
	ErrUnknownPosition = errors.New("неизвестная позиция")
	ErrUnknownDevice   = errors.New("неизвестное устройство")
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Store - каталог: устройства, команды, изображения и справочники.
// Все конфликтующие записи сериализуются на уровне хранилища (условные UPDATE и транзакции),
// а не внутрипроцессными блокировками: к одной БД могут обращаться несколько экземпляров сервиса.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open открывает каталог и применяет миграции.
// driver - "sqlite" (dsn - путь к файлу) или "postgres" (dsn - строка подключения pgx).
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		// Прагмы modernc: внешние ключи, ожидание блокировки 5 секунд, WAL.
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("ошибка при открытии %s: %w", dsn, err)
		}
		// SQLite плохо переносит параллельную запись в один файл - одно соединение.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("ошибка при открытии postgres: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
	default:
		return nil, fmt.Errorf("неподдерживаемый драйвер каталога: %q", driver)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка при проверке соединения с каталогом (%s): %w", driver, err)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	if err = s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка при применении миграций: %w", err)
	}
	log.Printf("Каталог открыт (%s), миграции применены.", driver)
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// migrate применяет встроенные SQL-миграции для текущего диалекта.
func (s *Store) migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	dir := "migrations/sqlite"
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
		dir = "migrations/postgres"
	}

	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("ошибка создания провайдера миграций: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Printf("Миграция применена: %s (%s)", r.Source.Path, r.Duration)
	}
	return nil
}

// Close закрывает пул соединений.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB возвращает *sql.DB. Используется в тестах и диагностике.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind переводит плейсхолдеры '?' в '$N' для postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isUniqueViolation распознаёт нарушение UNIQUE для обоих драйверов.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation распознаёт нарушение внешнего ключа.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullableUnix(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func unixOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
