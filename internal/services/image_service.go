package services

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// AllowedImageTypes - разрешённые MIME-типы и расширение, под которым файл сохраняется.
var AllowedImageTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// DetectImageType определяет реальный тип по первым 512 байтам.
// Возвращает расширение файла или ErrBadPayload, если это не изображение.
func DetectImageType(data []byte) (string, error) {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	contentType := http.DetectContentType(head)
	ext, ok := AllowedImageTypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: недопустимый тип файла %s", ErrBadPayload, contentType)
	}
	return ext, nil
}

// DecodePayload декодирует base64-тело загрузки. Допускается префикс data URL
// и переводы строк. Пустые данные и превышение maxBytes - ErrBadPayload.
func DecodePayload(encoded string, maxBytes int) ([]byte, error) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	encoded = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: пустые данные", ErrBadPayload)
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes+2 {
		return nil, fmt.Errorf("%w: размер превышает %d байт", ErrBadPayload, maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBadPayload, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: размер превышает %d байт", ErrBadPayload, maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: пустые данные", ErrBadPayload)
	}
	return data, nil
}

// Checksum - BLAKE3 содержимого в hex.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileChecksum считает BLAKE3 файла потоково.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
