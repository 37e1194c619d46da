package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword возвращает bcrypt-хеш пароля (стоимость bcrypt.DefaultCost).
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("Ошибка хэширования пароля: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash сравнивает пароль с bcrypt-хешем. Соль встроена в сам хеш.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Operator - учётная запись оператора из конфигурации.
type Operator struct {
	Username     string
	PasswordHash string
}

// Enabled - вход оператора настроен.
func (o Operator) Enabled() bool {
	return o.Username != "" && o.PasswordHash != ""
}

// Verify проверяет имя и пароль. Имя сравнивается за постоянное время,
// пароль проверяется всегда, даже при неверном имени.
func (o Operator) Verify(username, password string) bool {
	if !o.Enabled() {
		return false
	}
	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) == 1
	passOK := CheckPasswordHash(password, o.PasswordHash)
	return nameOK && passOK
}
