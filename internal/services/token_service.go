package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// NewDeviceToken выдаёт непрозрачный токен устройства (UUID v4).
func NewDeviceToken() string {
	return uuid.NewString()
}

// GenerateSecureToken возвращает length случайных байт в URL-safe base64.
// Используется для секрета cookie, если он не задан в конфигурации.
func GenerateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	// Читаем случайные байты из криптографического источника ОС
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("Не удалось сгенерировать случайные байты: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
