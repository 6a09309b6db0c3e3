// Package upload stores reference images sent by clients so a job request
// can name them by a path relative to the script's working directory.
package upload

import (
	"autofigure/internal/apperrors"
	"autofigure/internal/artifact"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxSize is the largest accepted upload.
const DefaultMaxSize = 20 << 20

// fallbackExt is used when the client's file name has no known image extension.
const fallbackExt = ".png"

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
}

// Upload describes a stored reference image.
type Upload struct {
	Path string `json:"path"` // relative to the script working directory
	URL  string `json:"url"`
	Name string `json:"name"` // the client's file name
}

// Store writes uploads into one directory inside the script working directory.
type Store struct {
	workDir string
	dir     string
	maxSize int64
	logger  *slog.Logger
}

// NewStore creates the uploads directory dir, which is relative to workDir
// and must stay inside it. maxSize <= 0 uses DefaultMaxSize.
func NewStore(workDir, dir string, maxSize int64) (*Store, error) {
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}
	full, err := artifact.Resolve(absWork, filepath.ToSlash(dir))
	if err != nil {
		return nil, fmt.Errorf("uploads directory %q must be inside %s: %w", dir, absWork, err)
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Store{
		workDir: absWork,
		dir:     full,
		maxSize: maxSize,
		logger:  slog.With("component", "upload"),
	}, nil
}

// MaxSize returns the size limit in bytes.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Save stores r under a fresh random name. Only image content types are
// accepted; the extension is kept when it is a known image type.
func (s *Store) Save(ctx context.Context, filename, contentType string, r io.Reader) (*Upload, error) {
	if filename == "" {
		return nil, apperrors.Validation("file", "no file provided")
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, apperrors.Validation("file", "only image files are supported")
	}

	ext := strings.ToLower(path.Ext(filename))
	if !imageExts[ext] {
		ext = fallbackExt
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "") + ext

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, apperrors.Internal("upload.create", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, s.tooLarge()
		}
		return nil, apperrors.Internal("upload.write", err)
	}
	if n > s.maxSize {
		return nil, s.tooLarge()
	}
	if n == 0 {
		return nil, apperrors.Validation("file", "file is empty")
	}

	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, apperrors.Internal("upload.store", err)
	}

	rel, err := filepath.Rel(s.workDir, final)
	if err != nil {
		return nil, apperrors.Internal("upload.store", err)
	}
	s.logger.Info("Reference image stored", "name", name, "bytes", n)

	return &Upload{
		Path: filepath.ToSlash(rel),
		URL:  "/v1/uploads/" + name,
		Name: filename,
	}, nil
}

func (s *Store) tooLarge() error {
	limit := fmt.Sprintf("%d bytes", s.maxSize)
	if s.maxSize >= 1<<20 {
		limit = fmt.Sprintf("%dMB", s.maxSize>>20)
	}
	return apperrors.Validation("file", "file exceeds maximum size of "+limit)
}

// Open returns a stored upload. Names that resolve outside the uploads
// directory are rejected.
func (s *Store) Open(ctx context.Context, name string) (*os.File, os.FileInfo, error) {
	full, err := artifact.Resolve(s.dir, name)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, nil, apperrors.NotFound("upload", name)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, apperrors.NotFound("upload", name)
	}
	return f, info, nil
}
