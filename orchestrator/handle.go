package orchestrator

import (
	"io"
	"sync"

	"ffcache/task"
)

// Handle is the result of a transcode request. Reader is set once the output
// was ready to read; it may still be growing.
type Handle struct {
	// Key addresses the output later: the job key while a job produces it,
	// the cache entry name for cache hits, empty for direct sources.
	Key    string
	Job    *task.Job
	Path   string
	Reader io.ReadCloser
	Offset int64

	FromCache bool
	Reused    bool
	Direct    bool

	release   func()
	closeOnce sync.Once
}

// Ready reports whether the output reached the minimal readable state and
// Reader is open on it.
func (h *Handle) Ready() bool { return h.Reader != nil }

// Partial reports whether the handle is backed by a partial job.
func (h *Handle) Partial() bool { return h.Job != nil && h.Job.Partial() }

// Live reports whether Reader is a live pipe rather than a file.
func (h *Handle) Live() bool { return h.Job != nil && h.Job.Live }

func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.release != nil {
			h.release()
		}
		if h.Reader != nil {
			err = h.Reader.Close()
		}
	})
	return err
}

func (h *Handle) releaseHold() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}
