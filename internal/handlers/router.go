package handlers

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stargazer/internal/middleware"
)

// RouterOptions - настройки сборки маршрутизатора.
type RouterOptions struct {
	SessionSecret []byte
	SecureCookie  bool
	ImageDir      string // папка изображений, отдаётся как статика
	WebPrefix     string // публичный префикс изображений
}

// NewRouter собирает gin-движок со всеми маршрутами сервиса.
func NewRouter(h *Handler, o RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	store := cookie.NewStore(o.SessionSecret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   o.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions("stargazer_session", store))

	if o.ImageDir != "" && o.WebPrefix != "" {
		router.Static(o.WebPrefix, o.ImageDir)
	}

	// Устройства: аутентификация токеном в запросе.
	api := router.Group("/api")
	{
		api.GET("/command", h.Dispatch)
		api.POST("/command", h.Report)
		api.POST("/upload", h.Upload)
		api.GET("/time", h.Time)
	}

	router.POST("/login", h.Login)
	router.POST("/logout", h.Logout)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Оператор: требуется сессия.
	control := router.Group("/control")
	control.Use(middleware.OperatorRequired())
	{
		control.POST("/command", h.Enqueue)
		control.DELETE("/command", h.DeleteCommand)
		control.GET("/commands", h.ListCommands)
		control.GET("/commands/next", h.NextCommand)
		control.GET("/targets", h.ListTargets)
		control.GET("/images", h.ListImages)
		control.GET("/images/latest", h.LatestImage)
		control.POST("/images/reconcile", h.ReconcileImages)
		control.GET("/keys", h.ListKeys)
		control.POST("/keys", h.CreateKey)
		control.DELETE("/keys", h.DeleteKey)
		control.DELETE("/keys/commands", h.DeleteKeyCommands)
	}

	return router
}
