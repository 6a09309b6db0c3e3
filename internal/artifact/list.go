package artifact

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
)

// List walks root recursively and returns an Entry for every regular file,
// sorted by path. Unlike Scanner it reports everything on disk, including
// files the scanner does not know about.
func List(root, baseURL string) ([]Entry, error) {
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	slices.Sort(paths)
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Describe(p, baseURL))
	}

	slog.Debug("Listed artifacts", "path", root, "count", len(entries))
	return entries, nil
}
