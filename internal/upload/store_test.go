package upload

import (
	"autofigure/internal/apperrors"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxSize int64) (*Store, string) {
	t.Helper()
	workDir := t.TempDir()
	s, err := NewStore(workDir, "uploads", maxSize)
	require.NoError(t, err)
	return s, workDir
}

func TestNewStore_RejectsDirOutsideWorkDir(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	for _, dir := range []string{"../uploads", "/tmp/uploads", "."} {
		_, err := NewStore(workDir, dir, 0)
		require.Error(t, err, dir)
	}

	s, err := NewStore(workDir, "data/uploads", 0)
	require.NoError(t, err)
	require.Equal(t, int64(DefaultMaxSize), s.MaxSize())
	require.DirExists(t, filepath.Join(workDir, "data", "uploads"))
}

func TestStore_SaveAndOpen(t *testing.T) {
	t.Parallel()
	s, workDir := newTestStore(t, 0)
	ctx := context.Background()

	up, err := s.Save(ctx, "Sketch.JPG", "image/jpeg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	require.Equal(t, "Sketch.JPG", up.Name)
	require.True(t, strings.HasPrefix(up.Path, "uploads/"), up.Path)
	require.True(t, strings.HasSuffix(up.Path, ".jpg"), up.Path)
	require.Equal(t, "/v1/uploads/"+filepath.Base(up.Path), up.URL)

	data, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(up.Path)))
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(data))

	f, info, err := s.Open(ctx, filepath.Base(up.Path))
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, int64(len("jpeg-bytes")), info.Size())

	entries, err := os.ReadDir(filepath.Join(workDir, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestStore_SaveUnknownExtensionFallsBack(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, 0)

	up, err := s.Save(context.Background(), "diagram.tiff", "image/tiff", strings.NewReader("x"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(up.Path, fallbackExt), up.Path)
}

func TestStore_SaveRejects(t *testing.T) {
	t.Parallel()
	s, workDir := newTestStore(t, 8)

	tests := []struct {
		name        string
		filename    string
		contentType string
		body        string
		message     string
	}{
		{"no file name", "", "image/png", "x", "no file provided"},
		{"not an image", "notes.txt", "text/plain", "x", "only image files are supported"},
		{"missing type", "a.png", "", "x", "only image files are supported"},
		{"too large", "a.png", "image/png", "123456789", "file exceeds maximum size of 8 bytes"},
		{"empty", "a.png", "image/png", "", "file is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(context.Background(), tt.filename, tt.contentType, strings.NewReader(tt.body))
			require.ErrorIs(t, err, apperrors.ErrValidation)
			require.EqualError(t, err, tt.message)
		})
	}

	entries, err := os.ReadDir(filepath.Join(workDir, "uploads"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStore_SaveBodyLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, 0)

	body := http.MaxBytesReader(httptest.NewRecorder(), io.NopCloser(strings.NewReader("0123456789")), 4)
	_, err := s.Save(context.Background(), "a.png", "image/png", body)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestStore_OpenRejectsEscape(t *testing.T) {
	t.Parallel()
	s, workDir := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "secret.txt"), []byte("x"), 0o644))

	for _, name := range []string{"../secret.txt", "/etc/passwd", "a/../../secret.txt"} {
		_, _, err := s.Open(context.Background(), name)
		require.ErrorIs(t, err, apperrors.ErrInvalidPath, name)
	}

	_, _, err := s.Open(context.Background(), "missing.png")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}
