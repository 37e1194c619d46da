package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ImageDirectory - каталог файлов изображений на диске и их публичные пути.
type ImageDirectory struct {
	root       string
	webPrefix  string
	extensions map[string]bool
}

func NewImageDirectory(root, webPrefix string, extensions []string) *ImageDirectory {
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts[e] = true
		}
	}
	if !strings.HasPrefix(webPrefix, "/") {
		webPrefix = "/" + webPrefix
	}
	return &ImageDirectory{
		root:       filepath.Clean(root),
		webPrefix:  strings.TrimSuffix(webPrefix, "/"),
		extensions: exts,
	}
}

// Path - путь файла на диске, в том виде, в каком он хранится в каталоге.
func (d *ImageDirectory) Path(name string) string {
	return filepath.Join(d.root, name)
}

// WebPath - публичный путь файла.
func (d *ImageDirectory) WebPath(name string) string {
	return path.Join(d.webPrefix, name)
}

// AllowsExt - расширение входит в список настроенных.
func (d *ImageDirectory) AllowsExt(ext string) bool {
	return d.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// List возвращает пути обычных файлов с разрешёнными расширениями.
// Скрытые файлы (в том числе незавершённые загрузки) и подкаталоги пропускаются.
func (d *ImageDirectory) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения папки изображений %s: %w", d.root, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		if !d.AllowsExt(filepath.Ext(name)) {
			continue
		}
		files = append(files, d.Path(name))
	}
	sort.Strings(files)
	return files, nil
}

// WriteNew записывает data под именем name, никогда не перезаписывая существующий файл.
// Сначала пишется скрытый временный файл, затем он жёстко связывается с итоговым именем,
// так что другие читатели папки видят либо полный файл, либо ничего.
// Если имя занято, возвращается ошибка, удовлетворяющая errors.Is(err, fs.ErrExist).
func (d *ImageDirectory) WriteNew(name string, data []byte) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("недопустимое имя файла %q", name)
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*.part")
	if err != nil {
		return "", fmt.Errorf("не удалось создать временный файл: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("не удалось записать временный файл: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("не удалось выставить права файла: %w", err)
	}

	final := d.Path(name)
	if err = os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("файл %s уже существует: %w", final, fs.ErrExist)
		}
		return "", fmt.Errorf("не удалось сохранить файл %s: %w", final, err)
	}
	return final, nil
}

// Remove удаляет файл, отсутствие файла ошибкой не считается.
func (d *ImageDirectory) Remove(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
