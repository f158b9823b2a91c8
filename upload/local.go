// Package upload stores receipt images.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrForeignURL         = errors.New("url was not issued by this store")
	ErrUnsupportedContent = errors.New("unsupported image type")
)

// allowed maps accepted content types to the extension used on disk.
var allowed = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Local writes images to Dir under random names and serves them from BaseURL.
type Local struct {
	Dir     string
	BaseURL string
}

func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Local{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload stores body and returns its public URL. The extension comes from
// contentType when known, otherwise from filename.
func (l *Local) Upload(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	ext, ok := allowed[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		ext = strings.ToLower(filepath.Ext(filename))
		if !knownExt(ext) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.NewString() + ext
	dst := filepath.Join(l.Dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return l.BaseURL + "/" + name, nil
}

// Remove deletes a file previously returned by Upload. Missing files are
// not an error.
func (l *Local) Remove(_ context.Context, url string) error {
	prefix := l.BaseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return ErrForeignURL
	}
	name := strings.TrimPrefix(url, prefix)
	if name == "" || name != path.Base(name) || name == ".." {
		return ErrForeignURL
	}
	err := os.Remove(filepath.Join(l.Dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func knownExt(ext string) bool {
	for _, e := range allowed {
		if e == ext {
			return true
		}
	}
	return ext == ".jpeg"
}
