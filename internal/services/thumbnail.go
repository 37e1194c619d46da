package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// ThumbDir - подпапка миниатюр внутри папки изображений. В список изображений не попадает.
const ThumbDir = "thumbs"

// Thumbnailer строит миниатюры загруженных изображений.
type Thumbnailer struct {
	dir    string
	width  int
	height int
}

func NewThumbnailer(imageRoot string, width, height int) *Thumbnailer {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	return &Thumbnailer{dir: filepath.Join(imageRoot, ThumbDir), width: width, height: height}
}

// PathFor - путь миниатюры для исходного файла.
func (t *Thumbnailer) PathFor(src string) string {
	return filepath.Join(t.dir, filepath.Base(src))
}

// Generate создаёт миниатюру и возвращает её путь.
func (t *Thumbnailer) Generate(src string) (string, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("не удалось открыть %s для миниатюры: %w", src, err)
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("не удалось создать папку миниатюр: %w", err)
	}
	dst := t.PathFor(src)
	thumb := imaging.Thumbnail(img, t.width, t.height, imaging.Lanczos)
	if err := imaging.Save(thumb, dst); err != nil {
		return "", fmt.Errorf("не удалось сохранить миниатюру %s: %w", dst, err)
	}
	return dst, nil
}

// Remove удаляет миниатюру, если она есть.
func (t *Thumbnailer) Remove(src string) error {
	if err := os.Remove(t.PathFor(src)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
