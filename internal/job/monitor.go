package job

import (
	"autofigure/internal/artifact"
	"autofigure/internal/config"
	"autofigure/internal/eventbus"
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Phase is a state of the process monitor.
//
//	Starting -> Running -> (TimedOut | Exited) -> Finalizing -> Done
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseTimedOut
	PhaseExited
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseExited:
		return "exited"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// MonitorConfig holds the process monitor tunables.
type MonitorConfig struct {
	PollInterval time.Duration // artifact scan and exit check period
	Timeout      time.Duration // wall-clock budget from StartedAt
	GracePeriod  time.Duration // terminate-to-kill wait on timeout
	ExitDebounce int           // consecutive exited polls before finalizing
	DrainWait    time.Duration // how long finalization waits for output EOF
}

// MonitorConfigFrom derives monitor settings from the supervisor config.
func MonitorConfigFrom(c config.SupervisorConfig) MonitorConfig {
	return MonitorConfig{
		PollInterval: c.PollInterval,
		Timeout:      c.JobTimeout,
		GracePeriod:  c.KillGracePeriod,
		ExitDebounce: c.ExitDebounce,
		DrainWait:    c.DrainWait,
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.ExitDebounce <= 0 {
		c.ExitDebounce = 4
	}
	if c.DrainWait <= 0 {
		c.DrainWait = 2 * time.Second
	}
	return c
}

// exitDebouncer confirms an exit only after the process has been seen
// exited on a number of consecutive polls, giving the final artifact
// writes and output flushes time to land.
type exitDebouncer struct {
	required int
	misses   int
}

func newExitDebouncer(required int) *exitDebouncer {
	return &exitDebouncer{required: max(required, 1)}
}

// observe records one poll and reports whether the exit is confirmed.
func (d *exitDebouncer) observe(exited bool) bool {
	if !exited {
		d.misses = 0
		return false
	}
	d.misses++
	return d.misses >= d.required
}

// monitor drives one job from spawn to finalization.
type monitor struct {
	job      *Job
	cfg      MonitorConfig
	scanner  *artifact.Scanner
	logger   *slog.Logger
	onFinish func(*Job)
}

func newMonitor(j *Job, cfg MonitorConfig, scanner *artifact.Scanner, onFinish func(*Job)) *monitor {
	return &monitor{
		job:      j,
		cfg:      cfg.withDefaults(),
		scanner:  scanner,
		logger:   slog.With("jobId", j.ID),
		onFinish: onFinish,
	}
}

// run blocks until the job is done. Cancelling ctx terminates the process;
// finalization still runs to completion.
func (m *monitor) run(ctx context.Context) {
	j := m.job
	p := j.process

	j.bus.Publish(eventbus.EventStatus, startedData())

	var g errgroup.Group
	g.Go(func() error { return j.drain(m.logger, StreamStdout, p.Stdout()) })
	g.Go(func() error { return j.drain(m.logger, StreamStderr, p.Stderr()) })
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	j.setPhase(PhaseRunning)
	outcome := m.watch(ctx)
	j.setPhase(outcome)

	m.finalize(outcome, drained)
}

// watch polls until the exit is confirmed or the budget runs out.
func (m *monitor) watch(ctx context.Context) Phase {
	j := m.job
	p := j.process

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	exits := newExitDebouncer(m.cfg.ExitDebounce)
	shutdown := ctx.Done()

	for {
		m.scan()

		_, exited := p.Poll()
		if !exited && time.Since(j.StartedAt) > m.cfg.Timeout {
			m.logger.Warn("Job timed out, terminating", "timeout", m.cfg.Timeout)
			m.stop()
			return PhaseTimedOut
		}
		if exits.observe(exited) {
			return PhaseExited
		}

		select {
		case <-shutdown:
			m.logger.Info("Shutdown requested, terminating job")
			if err := p.Terminate(); err != nil {
				m.logger.Warn("Failed to terminate job", "error", err)
			}
			shutdown = nil
		case <-ticker.C:
		}
	}
}

// stop terminates the process and kills it if it outlives the grace period.
func (m *monitor) stop() {
	p := m.job.process
	if err := p.Terminate(); err != nil {
		m.logger.Warn("Failed to terminate job", "error", err)
	}

	interval := min(m.cfg.PollInterval, 100*time.Millisecond)
	deadline := time.Now().Add(m.cfg.GracePeriod)
	for time.Now().Before(deadline) {
		if _, exited := p.Poll(); exited {
			return
		}
		time.Sleep(interval)
	}
	if _, exited := p.Poll(); exited {
		return
	}

	m.logger.Warn("Job ignored terminate, killing", "grace", m.cfg.GracePeriod)
	if err := p.Kill(); err != nil {
		m.logger.Error("Failed to kill job", "error", err)
	}
}

// finalize flushes output, publishes the terminal events, and closes the bus.
func (m *monitor) finalize(outcome Phase, drained <-chan error) {
	j := m.job
	p := j.process
	j.setPhase(PhaseFinalizing)

	var drainErr error
	flushed := false
	timer := time.NewTimer(m.cfg.DrainWait)
	select {
	case drainErr = <-drained:
		flushed = true
	case <-timer.C:
		m.logger.Warn("Output still open after exit, closing streams", "wait", m.cfg.DrainWait)
	}
	timer.Stop()

	if err := p.CloseOutput(); err != nil {
		m.logger.Debug("Failed to close output streams", "error", err)
	}
	if !flushed {
		drainErr = <-drained
	}
	if drainErr != nil {
		m.logger.Warn("Output drain failed", "error", drainErr)
	}

	m.scan()

	code, errMsg := m.outcome(outcome)
	terminal := finishedData(code, errMsg)
	j.bus.Publish(eventbus.EventStatus, terminal)
	j.bus.Publish(eventbus.EventArtifact, artifactData(j.ID, artifact.LogFile))
	j.finish(time.Now(), code, errMsg, outcome == PhaseTimedOut, replayEvents(j.ID, j.Seen(), terminal))

	logger := m.logger.With("code", code, "artifacts", j.seen.Len(), "duration", time.Since(j.StartedAt))
	if errMsg != "" {
		logger.Info("Job finished", "error", errMsg)
	} else {
		logger.Info("Job finished")
	}

	if m.onFinish != nil {
		m.onFinish(j)
	}
}

// outcome maps the way the job ended to its terminal code and error. The
// last stderr line is preferred; without one a nonzero exit still gets a
// generated message.
func (m *monitor) outcome(phase Phase) (int, string) {
	if phase == PhaseTimedOut {
		return -1, fmt.Sprintf("job timed out after %s and was terminated", m.cfg.Timeout)
	}

	code, _ := m.job.process.Poll()
	if code == 0 {
		return 0, ""
	}
	if line := m.job.LastStderr(); line != "" {
		return code, line
	}
	if m.job.cancelled() {
		return code, "job cancelled"
	}
	return code, fmt.Sprintf("process exited with code %d", code)
}

// scan publishes an artifact event for every newly discovered output file.
func (m *monitor) scan() {
	j := m.job
	for _, rel := range m.scanner.Scan(j.OutputDir, j.seen) {
		m.logger.Debug("Artifact discovered", "path", rel)
		j.bus.Publish(eventbus.EventArtifact, artifactData(j.ID, rel))
	}
}
