package job

import (
	"autofigure/internal/apperrors"
	"autofigure/internal/artifact"
	"autofigure/internal/callback"
	"autofigure/internal/config"
	"autofigure/internal/eventbus"
	"autofigure/internal/observability"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Forwarder relays a job's events to its callback target.
type Forwarder interface {
	Forward(jobID string, t callback.Target, q *eventbus.Queue)
}

// Config holds everything the service needs to start and supervise jobs.
type Config struct {
	OutputsDir string
	Script     config.ScriptConfig
	Monitor    MonitorConfig
	Retention  time.Duration
	Scanner    *artifact.Scanner // nil uses artifact.DefaultScanner
}

// Service starts figure jobs and answers queries about them.
//
// Jobs live in the Registry until retention expires; their output
// directories stay on disk after eviction.
type Service struct {
	cfg       Config
	registry  *Registry
	validator *requestValidator
	forwarder Forwarder
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new job service. forwarder and metrics may be nil.
func NewService(cfg Config, registry *Registry, forwarder Forwarder, metrics *observability.Metrics) (*Service, error) {
	if cfg.OutputsDir == "" {
		return nil, errors.New("outputs directory is required")
	}
	outputs, err := filepath.Abs(cfg.OutputsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve outputs directory: %w", err)
	}
	if err := os.MkdirAll(outputs, 0o755); err != nil {
		return nil, fmt.Errorf("create outputs directory: %w", err)
	}
	cfg.OutputsDir = outputs

	if cfg.Script.WorkDir == "" {
		cfg.Script.WorkDir = "."
	}
	if cfg.Scanner == nil {
		cfg.Scanner = artifact.DefaultScanner()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	cfg.Monitor = cfg.Monitor.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		registry:  registry,
		validator: newRequestValidator(),
		forwarder: forwarder,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Create validates the request, spawns the script, and starts monitoring it.
// The returned job is already registered and publishing events.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if s.cfg.Script.APIKey == "" {
		return nil, apperrors.Submission("config", errors.New("provider API key is not configured"))
	}

	referenceImage, err := s.resolveReference(req.ReferenceImage)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	id := NewID(startedAt)
	outputDir := filepath.Join(s.cfg.OutputsDir, id)
	logger := slog.With("jobId", id)

	if err := os.Mkdir(outputDir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, apperrors.Conflict("job", id, "job output directory already exists")
		}
		return nil, apperrors.Submission("output.create", err)
	}

	args := scriptArgs(s.cfg.Script, req, outputDir, referenceImage)
	j := newJob(id, req.Text, outputDir, startedAt, nil)
	j.Callback = req.Callback

	if err := j.writeMeta(metaHeader(s.cfg.Script.Python, args)); err != nil {
		s.discard(logger, outputDir)
		return nil, apperrors.Submission("log.create", err)
	}

	p, err := Start(Command{Args: args, Dir: s.cfg.Script.WorkDir, Env: []string{"PYTHONUNBUFFERED=1"}})
	if err != nil {
		logger.Error("Job failed to start", "error", err)
		s.discard(logger, outputDir)
		return nil, apperrors.Submission("process.start", err)
	}
	j.process = p

	if err := s.registry.Insert(j); err != nil {
		_ = p.Kill()
		_ = p.CloseOutput()
		s.discard(logger, outputDir)
		return nil, err
	}

	if j.Callback != nil && s.forwarder != nil {
		s.forwarder.Forward(id, *j.Callback, j.bus.Subscribe())
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx)
	}

	m := newMonitor(j, s.cfg.Monitor, s.cfg.Scanner, s.onFinish)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.run(s.ctx)
	}()

	logger.Info("Job created", "text", j.Text)

	return &Response{
		ID:     id,
		Status: StateAccepted,
	}, nil
}

// resolveReference maps a reference image path relative to the script's
// working directory to an absolute path, rejecting escapes and missing files.
func (s *Service) resolveReference(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	resolved, err := artifact.Resolve(s.cfg.Script.WorkDir, ref)
	if err != nil {
		return "", apperrors.Validation("referenceImage", fmt.Sprintf("invalid reference image path %q", ref))
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", apperrors.Validation("referenceImage", fmt.Sprintf("reference image %q not found", ref))
	}
	return resolved, nil
}

func (s *Service) discard(logger *slog.Logger, outputDir string) {
	if err := os.RemoveAll(outputDir); err != nil {
		logger.Warn("Failed to remove output directory", "error", err)
	}
}

// onFinish runs after a job's bus is closed.
func (s *Service) onFinish(j *Job) {
	if s.metrics != nil {
		st := j.Status()
		finishedAt, _ := j.FinishedAt()
		s.metrics.RecordJobCompleted(context.Background(), st.State, finishedAt.Sub(j.StartedAt).Seconds(), st.Artifacts)
	}
	s.Sweep(time.Now())
}

// Sweep evicts finished jobs older than the retention window.
func (s *Service) Sweep(now time.Time) []string {
	expired := s.registry.Sweep(now, s.cfg.Retention)
	for _, id := range expired {
		slog.Debug("Evicted expired job", "jobId", id)
	}
	return expired
}

// RunMaintenance sweeps periodically until ctx is done.
func (s *Service) RunMaintenance(ctx context.Context, interval time.Duration) {
	s.registry.RunMaintenance(ctx, interval, s.cfg.Retention)
}

// lookup returns the job or a not found error.
func (s *Service) lookup(jobID string) (*Job, error) {
	if !ValidID(jobID) {
		return nil, apperrors.NotFound("job", jobID)
	}
	j, ok := s.registry.Get(jobID)
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	return j, nil
}

// Get returns the status of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	st := j.Status()
	return &st, nil
}

// List returns all registered jobs, oldest first.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	jobs := s.registry.List()
	statuses := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status())
	}
	return &ListResponse{Jobs: statuses}, nil
}

// Cancel requests termination of a running job. Cancelling a finished job
// is not an error; it reports CancelAlreadyFinished.
func (s *Service) Cancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	logger := slog.With("jobId", jobID)

	requested, err := j.Cancel()
	if !requested {
		return &CancelResponse{Status: CancelAlreadyFinished}, nil
	}
	if err != nil {
		logger.Warn("Job cancellation failed", "error", err)
	} else {
		logger.Info("Job cancellation requested")
	}
	if s.metrics != nil {
		s.metrics.RecordJobCancelled(ctx)
	}
	return &CancelResponse{Status: CancelRequested}, nil
}

// Subscribe attaches an observer to a job's events. After completion the
// queue holds the replay and is already closed. Callers must Unsubscribe.
func (s *Service) Subscribe(ctx context.Context, jobID string) (*eventbus.Queue, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSubscriber(ctx, 1)
	}
	return j.bus.Subscribe(), nil
}

// Unsubscribe detaches an observer. It is safe after eviction.
func (s *Service) Unsubscribe(ctx context.Context, jobID string, q *eventbus.Queue) {
	if s.metrics != nil {
		s.metrics.RecordSubscriber(ctx, -1)
	}
	if j, ok := s.registry.Get(jobID); ok {
		j.bus.Unsubscribe(q)
	}
}

// Submitted returns the job's durable queue, which holds every event since
// spawn including the close sentinel. It has a single consumer: the
// submitter that created the job.
func (s *Service) Submitted(ctx context.Context, jobID string) (*eventbus.Queue, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return j.bus.Durable(), nil
}

// Logs opens the job's run log.
func (s *Service) Logs(ctx context.Context, jobID string) (io.ReadCloser, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(j.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NotFound("log", jobID)
		}
		return nil, apperrors.Internal("log.open", err)
	}
	return f, nil
}

// Artifacts lists every file in the job's output directory.
func (s *Service) Artifacts(ctx context.Context, jobID string) ([]artifact.Entry, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	entries, err := artifact.List(j.OutputDir, ArtifactBaseURL(jobID))
	if err != nil {
		return nil, apperrors.Internal("artifact.list", err)
	}
	return entries, nil
}

// OpenArtifact opens a file under the job's output directory. Paths that
// resolve outside it are rejected before the filesystem is touched.
func (s *Service) OpenArtifact(ctx context.Context, jobID, relPath string) (*os.File, os.FileInfo, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, nil, err
	}
	full, err := artifact.Resolve(j.OutputDir, relPath)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, nil, apperrors.NotFound("artifact", relPath)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, apperrors.NotFound("artifact", relPath)
	}
	return f, info, nil
}

// Archive streams the job's output directory as a gzipped tarball.
func (s *Service) Archive(ctx context.Context, jobID string, w io.Writer) error {
	j, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	return artifact.WriteArchive(w, j.OutputDir)
}

// Ready checks that new jobs can be started.
func (s *Service) Ready(ctx context.Context) error {
	scratch, err := os.CreateTemp(s.cfg.OutputsDir, ".ready-*")
	if err != nil {
		return fmt.Errorf("outputs directory not writable: %w", err)
	}
	scratch.Close()
	os.Remove(scratch.Name())

	script := s.cfg.Script.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(s.cfg.Script.WorkDir, script)
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("script not available: %w", err)
	}
	return nil
}

// Shutdown terminates running jobs and waits for their monitors to finish
// or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
