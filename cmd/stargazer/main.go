package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"stargazer/internal/auth"
	"stargazer/internal/config"
	"stargazer/internal/database"
	"stargazer/internal/events"
	"stargazer/internal/handlers"
	"stargazer/internal/metrics"
	"stargazer/internal/models"
	"stargazer/internal/services"
)

// checkOrCreateDir проверяет существование директории и создаёт её при отсутствии.
// Путь, который существует, но не является директорией, - критическая ошибка.
func checkOrCreateDir(dirPath string) {
	if dirPath == "" {
		log.Fatalf("КРИТИЧЕСКАЯ ОШИБКА: Путь к директории не может быть пустым.")
	}
	if dirPath == "/" || dirPath == "." {
		log.Fatalf("КРИТИЧЕСКАЯ ОШИБКА: Указан небезопасный путь для создания директории: %s", dirPath)
	}

	info, err := os.Stat(dirPath)
	if os.IsNotExist(err) {
		log.Printf("Папка %s не найдена, создаем...", dirPath)
		if err := os.MkdirAll(dirPath, 0755); err != nil {
			log.Fatalf("КРИТИЧЕСКАЯ ОШИБКА: не удалось создать папку %s: %v", dirPath, err)
		}
		log.Printf("Папка %s успешно создана.", dirPath)
		return
	}
	if err != nil {
		log.Fatalf("КРИТИЧЕСКАЯ ОШИБКА: ошибка при проверке папки %s: %v", dirPath, err)
	}
	if !info.IsDir() {
		log.Fatalf("КРИТИЧЕСКАЯ ОШИБКА: Путь %s существует, но не является директорией.", dirPath)
	}
	log.Printf("Папка %s найдена.", dirPath)
}

// newPublisher выбирает доставку событий: Kafka, если заданы брокеры, иначе лог.
func newPublisher(cfg config.EventsConfig) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		log.Println("Kafka не настроена, события пишутся в лог.")
		return events.LogPublisher{}
	}
	log.Printf("События публикуются в Kafka %v, топик %s", cfg.KafkaBrokers, cfg.Topic)
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
}

func sessionSecret(cfg config.SessionConfig) []byte {
	if cfg.Secret != "" {
		return []byte(cfg.Secret)
	}
	secret, err := services.GenerateSecureToken(32)
	if err != nil {
		log.Fatalf("Не удалось сгенерировать секрет сессий: %v", err)
	}
	log.Println("ПРЕДУПРЕЖДЕНИЕ: секрет сессий не задан (COOKIE_SECRET), сгенерирован временный. Сессии не переживут перезапуск.")
	return []byte(secret)
}

func main() {
	// --- 1. Конфигурация ---
	flags, err := config.ParseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Ошибка разбора аргументов: %v", err)
	}
	if flags.HashPassword != "" {
		hash, err := auth.HashPassword(flags.HashPassword)
		if err != nil {
			log.Fatalf("Ошибка хеширования пароля: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	cfg.ApplyFlags(flags)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Некорректная конфигурация: %v", err)
	}

	if cfg.Database.Driver == database.DriverSQLite {
		log.Printf("Проверка директории для БД: %s", filepath.Dir(cfg.Database.DSN))
		checkOrCreateDir(filepath.Dir(cfg.Database.DSN))
	}
	log.Printf("Проверка директории для изображений: %s", cfg.Images.Dir)
	checkOrCreateDir(cfg.Images.Dir)

	// --- 2. Инициализация Зависимостей ---
	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Ошибка инициализации базы данных: %v", err)
	}
	defer store.Close()
	metrics.Init(store.DB())

	publisher := newPublisher(cfg.Events)
	defer publisher.Close()

	dir := services.NewImageDirectory(cfg.Images.Dir, cfg.Images.WebPrefix, cfg.Images.Extensions)
	var thumbs *services.Thumbnailer
	if cfg.Images.Thumbnails {
		thumbs = services.NewThumbnailer(cfg.Images.Dir, 0, 0)
	}

	queue := services.NewCommandQueue(store, publisher, models.CommandStatus(cfg.Commands.FailureFloor))
	uploader := services.NewUploader(store, dir, thumbs, publisher, cfg.Images.MaxUploadBytes)
	reconciler := services.NewReconciler(store, dir, thumbs, publisher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Каталог сверяется с папкой до приёма запросов.
	if report, err := reconciler.Reconcile(ctx, cfg.Reconcile.AdoptOrphans); err != nil {
		log.Printf("ПРЕДУПРЕЖДЕНИЕ: стартовая сверка изображений не удалась: %v", err)
	} else {
		log.Printf("Стартовая сверка: файлов %d, удалено записей %d, подхвачено %d, пропущено %d",
			report.Listed, report.Pruned, report.Adopted, report.Skipped)
	}
	go reconciler.Run(ctx, cfg.Reconcile.Interval, cfg.Reconcile.AdoptOrphans)

	operator := auth.Operator{Username: cfg.Operator.Username, PasswordHash: cfg.Operator.PasswordHash}
	if !operator.Enabled() {
		log.Println("ПРЕДУПРЕЖДЕНИЕ: оператор не настроен (operator.username/password_hash), панель /control недоступна.")
	}

	// --- 3. HTTP ---
	gin.SetMode(gin.ReleaseMode)
	h := handlers.New(handlers.Options{
		Store:          store,
		Queue:          queue,
		Uploader:       uploader,
		Reconciler:     reconciler,
		Operator:       operator,
		PageSize:       cfg.Commands.PageSize,
		MaxUploadBytes: cfg.Images.MaxUploadBytes,
		AdoptOrphans:   cfg.Reconcile.AdoptOrphans,
	})
	router := handlers.NewRouter(h, handlers.RouterOptions{
		SessionSecret: sessionSecret(cfg.Session),
		SecureCookie:  cfg.Session.Secure,
		ImageDir:      cfg.Images.Dir,
		WebPrefix:     cfg.Images.WebPrefix,
	})

	log.Println("ПРЕДУПРЕЖДЕНИЕ: Установка доверенных прокси в nil. Убедитесь, что это безопасно в вашей среде.")
	if err := router.SetTrustedProxies(nil); err != nil {
		log.Fatalf("Ошибка установки доверенных прокси: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- 4. Запуск Сервера ---
	go func() {
		log.Printf("Сервер запускается на %s", cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Не удалось запустить сервер: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Получен сигнал остановки, завершаем работу...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ошибка остановки сервера: %v", err)
	}
	log.Println("Сервер остановлен.")
}
