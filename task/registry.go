package task

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"ffcache/logger"
)

// Registry tracks in-flight jobs by id. At most one full job is registered
// per id, including one that reached a terminal state but is still cleaning
// up; partial jobs are unrestricted.
type Registry struct {
	mu   sync.Mutex
	jobs map[string][]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string][]*Job)}
}

// FindReusable returns the registered full job for id. A job that already
// reached a terminal state is still returned until it is unregistered;
// callers wait on its Done channel before deciding anew.
func (r *Registry) FindReusable(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findFullLocked(id)
}

func (r *Registry) findFullLocked(id string) *Job {
	for _, j := range r.jobs[id] {
		if !j.Partial() {
			return j
		}
	}
	return nil
}

func (r *Registry) Register(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !job.Partial() {
		if existing := r.findFullLocked(job.ID); existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateFull, job.ID)
		}
	}
	r.jobs[job.ID] = append(r.jobs[job.ID], job)
	logger.Debugf("Registered job %s", job.Key())
	return nil
}

// RegisterOrAttach registers a full job unless one is already registered for
// the same id, in which case that job is returned and registered is false.
// The returned job may be finishing; see FindReusable.
func (r *Registry) RegisterOrAttach(job *Job) (winner *Job, registered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !job.Partial() {
		if existing := r.findFullLocked(job.ID); existing != nil {
			return existing, false
		}
	}
	r.jobs[job.ID] = append(r.jobs[job.ID], job)
	logger.Debugf("Registered job %s", job.Key())
	return job, true
}

// Unregister removes job and reports whether it was present. A second call
// for the same job is a no-op.
func (r *Registry) Unregister(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.jobs[job.ID]
	for i, j := range list {
		if j != job {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.jobs, job.ID)
		} else {
			r.jobs[job.ID] = list
		}
		logger.Debugf("Unregistered job %s (%s)", job.Key(), job.Status())
		return true
	}
	return false
}

// Lookup finds a job by its external key.
func (r *Registry) Lookup(key string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.jobs {
		for _, j := range list {
			if j.Key() == key {
				return j, true
			}
		}
	}
	return nil, false
}

// ByPath finds the job that owns path.
func (r *Registry) ByPath(path string) (*Job, bool) {
	clean := filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.jobs {
		for _, j := range list {
			if filepath.Clean(j.OwnedPath()) == clean {
				return j, true
			}
		}
	}
	return nil, false
}

// IsRunning reports whether any job, full or partial, is registered for id.
func (r *Registry) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs[id]) > 0
}

// List returns registered jobs, oldest first.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	var out []*Job
	for _, list := range r.jobs {
		out = append(out, list...)
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// OwnedPaths lists every output path held by a registered job.
func (r *Registry) OwnedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for _, list := range r.jobs {
		for _, j := range list {
			if p := j.OwnedPath(); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.jobs {
		n += len(list)
	}
	return n
}
