// Package callback forwards a job's events to an optional webhook as signed
// CloudEvents, delivered asynchronously with retry and per-host circuit
// breaking.
package callback

import (
	"autofigure/internal/eventbus"
	"slices"
)

// Target is a per-job webhook destination.
type Target struct {
	URL    string   `json:"url" validate:"required,http_url,max=2048"`
	Events []string `json:"events,omitempty" validate:"max=16,dive,oneof=status log artifact"`
	Key    string   `json:"key,omitempty" validate:"max=256"` // HMAC signing key
}

// Wants reports whether events with the given bus name should be sent.
// An empty filter selects every event.
func (t Target) Wants(name string) bool {
	if name == eventbus.EventClose {
		return false
	}
	return len(t.Events) == 0 || slices.Contains(t.Events, name)
}
