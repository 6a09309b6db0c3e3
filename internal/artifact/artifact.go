// Package artifact discovers, classifies, and serves the files a figure job
// writes into its output directory.
package artifact

import (
	"path"
	"path/filepath"
	"strings"
)

// Kind is the semantic tag attached to a discovered output file.
type Kind string

const (
	KindFigure       Kind = "figure"
	KindSamed        Kind = "samed"
	KindIconNoBG     Kind = "icon_nobg"
	KindIconRaw      Kind = "icon_raw"
	KindTemplateSVG  Kind = "template_svg"
	KindOptimizedSVG Kind = "optimized_svg"
	KindFinalSVG     Kind = "final_svg"
	KindLog          Kind = "log"
	KindGeneric      Kind = "artifact"
)

// LogFile is the run log every job keeps next to its artifacts.
const LogFile = "run.log"

// exactKinds take precedence over the pattern rules in Classify.
var exactKinds = map[string]Kind{
	"figure.png":             KindFigure,
	"samed.png":              KindSamed,
	"template.svg":           KindTemplateSVG,
	"optimized_template.svg": KindOptimizedSVG,
	"final.svg":              KindFinalSVG,
	LogFile:                  KindLog,
}

// Classify maps a path relative to the output directory to its kind.
// Unknown paths are KindGeneric.
func Classify(relPath string) Kind {
	relPath = filepath.ToSlash(relPath)
	if kind, ok := exactKinds[relPath]; ok {
		return kind
	}
	if strings.HasSuffix(relPath, "_nobg.png") {
		return KindIconNoBG
	}
	if strings.HasPrefix(relPath, "icons/") && strings.HasSuffix(relPath, ".png") {
		return KindIconRaw
	}
	return KindGeneric
}

// Entry describes one artifact as reported to observers.
type Entry struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	Path string `json:"path"`
	URL  string `json:"url"`
}

// Describe builds the Entry for relPath. baseURL is the job's artifact
// prefix, e.g. /v1/jobs/<id>/artifacts.
func Describe(relPath, baseURL string) Entry {
	relPath = filepath.ToSlash(relPath)
	return Entry{
		Kind: Classify(relPath),
		Name: path.Base(relPath),
		Path: relPath,
		URL:  strings.TrimSuffix(baseURL, "/") + "/" + relPath,
	}
}

// Data returns the entry as an event payload.
func (e Entry) Data() map[string]any {
	return map[string]any{
		"kind": string(e.Kind),
		"name": e.Name,
		"path": e.Path,
		"url":  e.URL,
	}
}
