package job

import (
	"autofigure/internal/apperrors"
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Registry holds every job still queryable by ID. Finished jobs stay until
// their retention window has elapsed; eviction never touches their files.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
	}
}

// Insert adds a job. Returns a conflict error if the ID is taken.
func (r *Registry) Insert(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	r.jobs[j.ID] = j
	return nil
}

// Get retrieves a job by ID.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, exists := r.jobs[id]
	return j, exists
}

// Remove deletes a job from the registry. Returns the job if it existed.
func (r *Registry) Remove(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, exists := r.jobs[id]
	if exists {
		delete(r.jobs, id)
	}
	return j, exists
}

// List returns a snapshot of all jobs, oldest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Sweep evicts jobs that finished more than retention before now and
// returns their IDs. Running jobs are never evicted.
func (r *Registry) Sweep(now time.Time, retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, j := range r.jobs {
		finishedAt, done := j.FinishedAt()
		if done && now.Sub(finishedAt) > retention {
			delete(r.jobs, id)
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired
}

// RunMaintenance periodically sweeps expired jobs until ctx is done.
func (r *Registry) RunMaintenance(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := slog.With("component", "maintenance")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := r.Sweep(time.Now(), retention); len(expired) > 0 {
				logger.Info("Maintenance complete", "evicted", len(expired))
			}
		}
	}
}
