package middleware

import (
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// SessionOperatorKey - ключ имени оператора в сессии.
const SessionOperatorKey = "operator"

// OperatorRequired пропускает только запросы с сессией оператора.
// Это JSON API, поэтому вместо редиректа на страницу входа возвращается 401.
func OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		raw := session.Get(SessionOperatorKey)
		if raw == nil {
			log.Printf("Доступ запрещен (не аутентифицирован) к %s с IP %s", c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "требуется вход оператора"})
			return
		}

		operator, ok := raw.(string)
		if !ok || operator == "" {
			// Повреждённые данные сессии: очищаем cookie.
			log.Printf("ОШИБКА ТИПА ДАННЫХ СЕССИИ: некорректный тип оператора (%T) для IP %s. Сессия будет очищена.", raw, c.ClientIP())
			session.Delete(SessionOperatorKey)
			session.Options(sessions.Options{MaxAge: -1, Path: "/"})
			if err := session.Save(); err != nil {
				log.Printf("Ошибка сохранения сессии при очистке: %v", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "требуется вход оператора"})
			return
		}

		c.Set(SessionOperatorKey, operator)
		c.Next()
	}
}
