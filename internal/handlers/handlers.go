package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"stargazer/internal/auth"
	"stargazer/internal/database"
	"stargazer/internal/middleware"
	"stargazer/internal/services"
)

// Handler - HTTP-слой сервиса. Устройства ходят в /api, оператор - в /control.
type Handler struct {
	store      *database.Store
	queue      *services.CommandQueue
	uploader   *services.Uploader
	reconciler *services.Reconciler
	operator   auth.Operator
	pageSize   int
	maxUpload  int
	adopt      bool
	now        func() time.Time
}

// Options - зависимости и настройки Handler.
type Options struct {
	Store          *database.Store
	Queue          *services.CommandQueue
	Uploader       *services.Uploader
	Reconciler     *services.Reconciler
	Operator       auth.Operator
	PageSize       int
	MaxUploadBytes int
	AdoptOrphans   bool
}

func New(o Options) *Handler {
	if o.PageSize <= 0 {
		o.PageSize = 10
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = services.DefaultMaxUploadBytes
	}
	return &Handler{
		store:      o.Store,
		queue:      o.Queue,
		uploader:   o.Uploader,
		reconciler: o.Reconciler,
		operator:   o.Operator,
		pageSize:   o.PageSize,
		maxUpload:  o.MaxUploadBytes,
		adopt:      o.AdoptOrphans,
		now:        time.Now,
	}
}

// respondError переводит ошибку сервисного слоя в HTTP-код.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrBadPayload),
		errors.Is(err, services.ErrStatusOutOfRange),
		errors.Is(err, services.ErrIllegalTransition),
		errors.Is(err, database.ErrBadFilter):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		// Подробности внутренних ошибок остаются в логе.
		log.Printf("Внутренняя ошибка %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "внутренняя ошибка сервера"})
		return
	}
	log.Printf("Запрос отклонён (%d) %s %s: %v", status, c.Request.Method, c.Request.URL.Path, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// queryInt64 читает обязательный целый параметр запроса.
func queryInt64(c *gin.Context, key string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(c.Query(key)), 10, 64)
	if err != nil {
		badRequest(c, "параметр "+key+" должен быть целым числом")
		return 0, false
	}
	return v, true
}

// queryPage читает номер страницы; отсутствующий или некорректный - первая страница.
func queryPage(c *gin.Context) int {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// Time отдаёт текущее Unix-время для синхронизации часов устройства.
func (h *Handler) Time(c *gin.Context) {
	c.String(http.StatusOK, strconv.FormatInt(h.now().Unix(), 10))
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Login - вход оператора (JSON или форма).
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "некорректный запрос входа")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		badRequest(c, "имя пользователя и пароль обязательны")
		return
	}
	if !h.operator.Verify(username, req.Password) {
		log.Printf("Неудачная попытка входа для '%s' с IP %s", username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "неверное имя пользователя или пароль"})
		return
	}

	session := sessions.Default(c)
	session.Set(middleware.SessionOperatorKey, username)
	if err := session.Save(); err != nil {
		log.Printf("Ошибка сохранения сессии для '%s': %v", username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "не удалось создать сессию"})
		return
	}
	log.Printf("Оператор '%s' вошёл в систему.", username)
	c.JSON(http.StatusOK, gin.H{"operator": username})
}

// Logout очищает сессию оператора.
func (h *Handler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	operator := session.Get(middleware.SessionOperatorKey)
	session.Delete(middleware.SessionOperatorKey)
	session.Options(sessions.Options{MaxAge: -1, Path: "/"})
	if err := session.Save(); err != nil {
		log.Printf("Ошибка сохранения сессии при выходе: %v", err)
	}
	if operator != nil {
		log.Printf("Оператор '%v' вышел из системы.", operator)
	}
	c.JSON(http.StatusOK, gin.H{})
}
