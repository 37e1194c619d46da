package services

import "errors"

// Ошибки сервисного слоя. Обработчики сопоставляют их с HTTP-кодами через errors.Is.
var (
	ErrValidation        = errors.New("некорректный запрос")
	ErrNotFound          = errors.New("не найдено")
	ErrUnauthorized      = errors.New("неизвестный токен устройства")
	ErrBadPayload        = errors.New("некорректные данные изображения")
	ErrIllegalTransition = errors.New("недопустимый переход статуса")
	ErrStatusOutOfRange  = errors.New("статус вне допустимого диапазона")
	ErrStorage           = errors.New("ошибка хранилища")
)
