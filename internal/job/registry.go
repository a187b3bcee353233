package job

import (
	"sync"
	"time"
)

// Observer receives every snapshot the registry stores. It is called outside
// the registry lock and must not block for long. Calls for concurrent writes
// to one job may arrive out of order: UpdatedAt, which strictly increases per
// job, is the ordering key.
type Observer func(Job)

// Registry is the in-memory source of truth for job state.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]Job
	observer Observer
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]Job),
		now:  time.Now,
	}
}

// SetObserver installs the callback fed with every created or updated job.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observer = o
}

// Create registers a new downloading job.
func (r *Registry) Create(id string) (Job, error) {
	r.mu.Lock()

	if _, ok := r.jobs[id]; ok {
		r.mu.Unlock()

		return Job{}, ErrAlreadyExists
	}

	now := r.now()
	j := Job{
		ID:        id,
		Status:    StatusDownloading,
		Progress:  InitialProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[id] = j
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer(j)
	}

	return j, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}

	return j, nil
}

// Update applies m to a copy of the job and stores the result. A job deleted
// in the meantime yields ErrNotFound, which callers are expected to tolerate.
func (r *Registry) Update(id string, m Mutation) (Job, error) {
	r.mu.Lock()

	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()

		return Job{}, ErrNotFound
	}

	current := j

	if err := m(&j); err != nil {
		r.mu.Unlock()

		return current, err
	}

	j.UpdatedAt = r.now()
	if !j.UpdatedAt.After(current.UpdatedAt) {
		j.UpdatedAt = current.UpdatedAt.Add(time.Nanosecond)
	}

	r.jobs[id] = j
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer(j)
	}

	return j, nil
}

// Delete removes the job. Deleting an unknown id is not an error.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, id)
}

// Len reports how many jobs are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.jobs)
}
