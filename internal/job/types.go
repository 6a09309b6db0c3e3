package job

import (
	"autofigure/internal/callback"
	"time"
)

// Request represents a request to generate a figure
type Request struct {
	Text               string           `json:"text" validate:"required,max=20000"`
	OptimizeIterations *int             `json:"optimizeIterations,omitempty" validate:"omitempty,min=0,max=50"`
	ReferenceImage     string           `json:"referenceImage,omitempty" validate:"omitempty,max=1024"`
	Callback           *callback.Target `json:"callback,omitempty"`
}

// Response represents the response when a job is created
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "accepted"
}

// Status represents the current status of a job
type Status struct {
	ID         string     `json:"id"`
	State      string     `json:"status"`
	Phase      string     `json:"phase"`
	Text       string     `json:"text,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Error      string     `json:"error,omitempty"`
	Artifacts  int        `json:"artifacts"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// CancelResponse reports the outcome of a cancel request
type CancelResponse struct {
	Status string `json:"status"`
}

// State constants
const (
	StateAccepted  = "accepted"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StateTimedOut  = "timed_out"
)

// Cancel outcomes
const (
	CancelRequested       = "cancelled"
	CancelAlreadyFinished = "already_finished"
)
