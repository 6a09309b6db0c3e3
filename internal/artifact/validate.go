package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"autofigure/internal/apperrors"
)

// ValidatePath checks that path is relative and cannot climb out of the
// directory it is joined to. It never touches the filesystem.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be relative, not absolute")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	cleaned := filepath.Clean(path)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	return nil
}

// Resolve joins relPath onto root and returns the absolute result, rejecting
// any path that would resolve outside root. Lexically invalid paths are
// rejected before the filesystem is consulted; symlinks are then followed and
// re-checked.
func Resolve(root, relPath string) (string, error) {
	if err := ValidatePath(relPath); err != nil {
		return "", apperrors.InvalidPath(relPath)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperrors.Internal("artifact.resolve", err)
	}
	candidate := filepath.Join(absRoot, filepath.FromSlash(relPath))
	if !within(absRoot, candidate) {
		return "", apperrors.InvalidPath(relPath)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return candidate, nil
	}
	realCandidate, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// Missing files are reported by the caller's open.
		return candidate, nil
	}
	if !within(realRoot, realCandidate) {
		return "", apperrors.InvalidPath(relPath)
	}
	return candidate, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
