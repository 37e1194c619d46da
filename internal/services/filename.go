package services

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// UnknownName подставляется, когда имя цели или позиции не удалось получить.
const UnknownName = "Unknown"

// ParsedFilename - компоненты имени файла вида {timestamp}-{command_id}-{name}.{ext}.
type ParsedFilename struct {
	Timestamp int64
	CommandID int64
	Name      string
	Ext       string
}

// sanitizeName убирает из части имени разделители формата и пути.
func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownName
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '/', '\\', '.':
			return '_'
		}
		return r
	}, s)
}

// DisplayName - отображаемое имя изображения: {target}_{position}.
func DisplayName(target, position string) string {
	return sanitizeName(target) + "_" + sanitizeName(position)
}

// BuildFilename формирует детерминированное имя файла.
// suffix - необязательное уточнение для повторной попытки при коллизии ("_1").
func BuildFilename(ts time.Time, commandID int64, target, position, suffix, ext string) string {
	return fmt.Sprintf("%d-%d-%s%s.%s", ts.Unix(), commandID, DisplayName(target, position), suffix, ext)
}

// ParseFilename разбирает базовое имя файла. ok=false, если имя не соответствует формату:
// такие файлы просто пропускаются.
func ParseFilename(base string) (ParsedFilename, bool) {
	ext := filepath.Ext(base)
	if len(ext) < 2 {
		return ParsedFilename{}, false
	}
	stem := strings.TrimSuffix(base, ext)
	parts := strings.SplitN(stem, "-", 3)
	if len(parts) != 3 || parts[2] == "" {
		return ParsedFilename{}, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ParsedFilename{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return ParsedFilename{}, false
	}
	return ParsedFilename{Timestamp: ts, CommandID: id, Name: parts[2], Ext: strings.ToLower(ext[1:])}, true
}
