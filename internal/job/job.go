// Package job supervises figure generation runs: it spawns the external
// script, drains its output, discovers artifacts, enforces the wall-clock
// budget, and keeps finished jobs queryable until retention expires.
package job

import (
	"autofigure/internal/artifact"
	"autofigure/internal/callback"
	"autofigure/internal/eventbus"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const textSummaryLen = 80

// idPattern allows alphanumeric, hyphens, and underscores
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// NewID returns a sortable, path-safe job identifier: the local start time
// followed by eight random hex characters.
func NewID(now time.Time) string {
	return now.Format("20060102_150405_") + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ValidID reports whether id is safe to use as a path segment.
func ValidID(id string) bool {
	return len(id) <= 128 && idPattern.MatchString(id)
}

// Job is one run of the figure script together with its observable state.
type Job struct {
	ID        string
	Text      string
	OutputDir string
	LogPath   string
	StartedAt time.Time
	Callback  *callback.Target

	process Process
	bus     *eventbus.Bus
	seen    *artifact.Set

	logMu sync.Mutex

	mu              sync.RWMutex
	phase           Phase
	done            bool
	finishedAt      time.Time
	lastStderr      string
	exitCode        int
	errMsg          string
	timedOut        bool
	cancelRequested bool
}

func newJob(id, text, outputDir string, startedAt time.Time, p Process) *Job {
	return &Job{
		ID:        id,
		Text:      summarize(text),
		OutputDir: outputDir,
		LogPath:   filepath.Join(outputDir, artifact.LogFile),
		StartedAt: startedAt,
		process:   p,
		bus:       eventbus.New(),
		seen:      artifact.NewSet(),
		phase:     PhaseStarting,
	}
}

// Bus returns the job's event bus.
func (j *Job) Bus() *eventbus.Bus {
	return j.bus
}

// Seen returns the sorted relative paths of every artifact reported so far.
func (j *Job) Seen() []string {
	return j.seen.Sorted()
}

// Done reports whether the monitor has finalized the job.
func (j *Job) Done() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.done
}

// FinishedAt returns when the job was finalized and whether it has been.
func (j *Job) FinishedAt() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finishedAt, j.done
}

// LastStderr returns the most recent non-empty stderr line.
func (j *Job) LastStderr() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastStderr
}

func (j *Job) setLastStderr(line string) {
	j.mu.Lock()
	j.lastStderr = line
	j.mu.Unlock()
}

// Phase returns the monitor's current state.
func (j *Job) Phase() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

func (j *Job) setPhase(p Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()
}

// Cancel asks the process to terminate. It reports false when the job has
// already been finalized. The monitor observes the exit and finalizes as usual.
func (j *Job) Cancel() (bool, error) {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return false, nil
	}
	j.cancelRequested = true
	j.mu.Unlock()

	if err := j.process.Terminate(); err != nil {
		return true, fmt.Errorf("terminate job %s: %w", j.ID, err)
	}
	return true, nil
}

func (j *Job) cancelled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelRequested
}

// finish records the terminal outcome, closes the bus with the replay for
// late subscribers, and marks the job done. Closing the bus under the job
// lock guarantees that anyone who observes done also gets the replay.
func (j *Job) finish(now time.Time, code int, errMsg string, timedOut bool, replay []eventbus.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.exitCode = code
	j.errMsg = errMsg
	j.timedOut = timedOut
	j.bus.Close(replay)
	j.finishedAt = now
	j.done = true
	j.phase = PhaseDone
}

// Status returns a snapshot of the job for listings.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Status{
		ID:        j.ID,
		State:     StateRunning,
		Phase:     j.phase.String(),
		Text:      j.Text,
		StartedAt: j.StartedAt,
		Artifacts: j.seen.Len(),
	}
	if !j.done {
		return s
	}

	code := j.exitCode
	finishedAt := j.finishedAt
	s.ExitCode = &code
	s.FinishedAt = &finishedAt
	s.Error = j.errMsg

	switch {
	case j.timedOut:
		s.State = StateTimedOut
	case code == 0 && j.errMsg == "":
		s.State = StateCompleted
	case j.cancelRequested:
		s.State = StateCancelled
	default:
		s.State = StateFailed
	}
	return s
}

// appendLog writes one "[stream] line" entry. The file is opened and closed
// per write so it never stays open past the job.
func (j *Job) appendLog(stream, line string) error {
	return j.writeLog(fmt.Sprintf("[%s] %s\n", stream, line))
}

// writeMeta writes the "[meta] key=value" header.
func (j *Job) writeMeta(pairs [][2]string) error {
	var b strings.Builder
	for _, kv := range pairs {
		fmt.Fprintf(&b, "[meta] %s=%s\n", kv[0], kv[1])
	}
	return j.writeLog(b.String())
}

func (j *Job) writeLog(s string) error {
	j.logMu.Lock()
	defer j.logMu.Unlock()

	f, err := os.OpenFile(j.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return fmt.Errorf("write log: %w", err)
	}
	return f.Close()
}

// summarize keeps the first characters of the input text for listings.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= textSummaryLen {
		return text
	}
	return string([]rune(text)[:textSummaryLen])
}
