package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config - настройки сервиса. Порядок приоритета: значения по умолчанию,
// YAML-файл, переменные окружения, флаги командной строки.
type Config struct {
	Address   string          `yaml:"address"`
	Database  DatabaseConfig  `yaml:"database"`
	Images    ImagesConfig    `yaml:"images"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Commands  CommandsConfig  `yaml:"commands"`
	Operator  OperatorConfig  `yaml:"operator"`
	Session   SessionConfig   `yaml:"session"`
	Events    EventsConfig    `yaml:"events"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type ImagesConfig struct {
	Dir            string   `yaml:"dir"`
	WebPrefix      string   `yaml:"web_prefix"`
	Extensions     []string `yaml:"extensions"`
	Thumbnails     bool     `yaml:"thumbnails"`
	MaxUploadBytes int      `yaml:"max_upload_bytes"`
}

type ReconcileConfig struct {
	AdoptOrphans bool          `yaml:"adopt_orphans"`
	Interval     time.Duration `yaml:"interval"` // 0 - только при старте
}

type CommandsConfig struct {
	PageSize     int `yaml:"page_size"`
	FailureFloor int `yaml:"failure_floor"`
}

// OperatorConfig - единственная учётная запись оператора. PasswordHash - bcrypt.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type SessionConfig struct {
	Secret string `yaml:"secret"`
	Secure bool   `yaml:"secure"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Address: ":8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/stargazer.db",
		},
		Images: ImagesConfig{
			Dir:            "assets/images",
			WebPrefix:      "/assets/images",
			Extensions:     []string{"jpg", "jpeg", "png", "gif", "webp"},
			Thumbnails:     true,
			MaxUploadBytes: 16 << 20,
		},
		Reconcile: ReconcileConfig{AdoptOrphans: true},
		Commands:  CommandsConfig{PageSize: 10, FailureFloor: -5},
		Events:    EventsConfig{Topic: "stargazer.commands"},
	}
}

// Flags - параметры командной строки.
type Flags struct {
	ConfigPath   string
	Address      string
	ImageDir     string
	HashPassword string
}

// ParseFlags разбирает аргументы (без имени программы).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := pflag.NewFlagSet("stargazer", pflag.ContinueOnError)
	fs.StringVarP(&f.ConfigPath, "config", "c", "config.yaml", "путь к YAML-файлу конфигурации")
	fs.StringVar(&f.Address, "address", "", "адрес HTTP-сервера (перекрывает конфигурацию)")
	fs.StringVar(&f.ImageDir, "image-dir", "", "папка изображений (перекрывает конфигурацию)")
	fs.StringVar(&f.HashPassword, "hash-password", "", "вывести bcrypt-хеш пароля оператора и выйти")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load читает конфигурацию. Отсутствующий файл не ошибка - используются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("Файл конфигурации %s не найден, используются значения по умолчанию", path)
		case err != nil:
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv перекрывает значения переменными окружения, если они заданы.
func (c *Config) applyEnv() {
	c.Address = getEnv("STARGAZER_ADDRESS", c.Address)
	c.Database.Driver = getEnv("STARGAZER_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("STARGAZER_DB_DSN", c.Database.DSN)
	c.Images.Dir = getEnv("STARGAZER_IMAGE_DIR", c.Images.Dir)
	c.Session.Secret = getEnv("COOKIE_SECRET", c.Session.Secret)
	if brokers := getEnv("STARGAZER_KAFKA_BROKERS", ""); brokers != "" {
		c.Events.KafkaBrokers = splitList(brokers)
	}
}

// ApplyFlags перекрывает значения непустыми флагами.
func (c *Config) ApplyFlags(f *Flags) {
	if f == nil {
		return
	}
	if f.Address != "" {
		c.Address = f.Address
	}
	if f.ImageDir != "" {
		c.Images.Dir = f.ImageDir
	}
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address не задан"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: неизвестный драйвер %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn не задан"))
	}
	if c.Images.Dir == "" || c.Images.Dir == "/" || c.Images.Dir == "." {
		errs = append(errs, fmt.Errorf("images.dir: небезопасный путь %q", c.Images.Dir))
	}
	if !strings.HasPrefix(c.Images.WebPrefix, "/") || c.Images.WebPrefix == "/" {
		errs = append(errs, fmt.Errorf("images.web_prefix должен начинаться с '/' и не быть корнем: %q", c.Images.WebPrefix))
	}
	if len(c.Images.Extensions) == 0 {
		errs = append(errs, errors.New("images.extensions пуст"))
	}
	if c.Images.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("images.max_upload_bytes должен быть положительным"))
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("reconcile.interval не может быть отрицательным"))
	}
	if c.Commands.PageSize <= 0 {
		errs = append(errs, errors.New("commands.page_size должен быть положительным"))
	}
	if c.Commands.FailureFloor > -2 || c.Commands.FailureFloor < -8 {
		errs = append(errs, fmt.Errorf("commands.failure_floor должен быть в [-8, -2], получено %d", c.Commands.FailureFloor))
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, errors.New("events.topic обязателен при заданных kafka_brokers"))
	}
	return errors.Join(errs...)
}

// getEnv получает значение переменной окружения по ключу или возвращает fallback.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
