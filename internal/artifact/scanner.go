package artifact

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// DefaultCandidates are the well-known files the figure script writes.
var DefaultCandidates = []string{
	"figure.png",
	"samed.png",
	"template.svg",
	"optimized_template.svg",
	"final.svg",
}

// DefaultGlobs match the icons extracted during segmentation.
var DefaultGlobs = []string{"icons/icon_*.png"}

// Scanner polls an output directory for candidate files.
//
// Scanning is stateless: every call re-checks the full candidate list and
// relies on the caller's Set to drop paths that were already reported.
type Scanner struct {
	candidates []string
	globs      []string
}

// NewScanner creates a scanner for the given candidate paths and glob
// patterns, both relative to the output directory.
func NewScanner(candidates, globs []string) *Scanner {
	return &Scanner{
		candidates: slices.Clone(candidates),
		globs:      slices.Clone(globs),
	}
}

// DefaultScanner returns a scanner for the figure script's outputs.
func DefaultScanner() *Scanner {
	return NewScanner(DefaultCandidates, DefaultGlobs)
}

// Scan returns the relative paths that exist as regular files under root and
// were not yet in seen, adding each of them to seen. Order follows the
// candidate list, then glob matches in lexical order.
func (s *Scanner) Scan(root string, seen *Set) []string {
	var found []string

	consider := func(rel string) {
		rel = filepath.ToSlash(rel)
		if seen.Has(rel) {
			return
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		if seen.Add(rel) {
			found = append(found, rel)
		}
	}

	for _, rel := range s.candidates {
		consider(rel)
	}

	for _, pattern := range s.globs {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			slog.Warn("Invalid artifact glob", "pattern", pattern, "error", err)
			continue
		}
		for _, match := range matches {
			rel, err := filepath.Rel(root, match)
			if err != nil {
				continue
			}
			consider(rel)
		}
	}

	return found
}
