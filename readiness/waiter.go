// Package readiness turns "a file or stream is being produced concurrently"
// into "a readable handle, once minimally ready". Every wait is bounded by
// attempts x interval; filesystem notifications only trigger earlier checks.
package readiness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"ffcache/logger"

	"github.com/fsnotify/fsnotify"
)

var ErrNotReady = errors.New("output not ready")

// CheckFunc reports readiness. A non-nil error ends the wait immediately.
type CheckFunc func() (bool, error)

type Waiter struct {
	Attempts int
	Interval time.Duration
}

func New(attempts int, interval time.Duration) *Waiter {
	if attempts < 1 {
		attempts = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Waiter{Attempts: attempts, Interval: interval}
}

// Budget is the longest any wait may take.
func (w *Waiter) Budget() time.Duration {
	return time.Duration(w.Attempts) * w.Interval
}

// Wait polls check until it succeeds, the budget runs out, ctx ends or abort
// fires. When watchDir is set, changes inside it trigger an early check.
// After abort fires the check runs one last time, so output finished by the
// producer is still picked up.
func (w *Waiter) Wait(ctx context.Context, watchDir string, check CheckFunc, abort <-chan struct{}) error {
	if ok, err := check(); err != nil || ok {
		return err
	}

	deadline := time.NewTimer(w.Budget())
	defer deadline.Stop()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if watchDir != "" {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			defer watcher.Close()
			if err := watcher.Add(watchDir); err == nil {
				events = watcher.Events
			} else {
				logger.Debugf("readiness: watching %s: %v", watchDir, err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotReady
		case <-abort:
			if ok, err := check(); err != nil || ok {
				return err
			}
			return ErrNotReady
		case _, open := <-events:
			if !open {
				events = nil
				continue
			}
		case <-ticker.C:
		}
		if ok, err := check(); err != nil || ok {
			return err
		}
	}
}

// WaitFile waits for path to exist with a non-zero length and opens it.
func (w *Waiter) WaitFile(ctx context.Context, path string, abort <-chan struct{}) (*os.File, error) {
	check := func() (bool, error) {
		info, err := os.Stat(path)
		return err == nil && !info.IsDir() && info.Size() > 0, nil
	}
	if err := w.Wait(ctx, filepath.Dir(path), check, abort); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// WaitPlaylist waits until the placeholder playlist at path has been
// replaced by the transcoder with one that lists at least one segment.
func (w *Waiter) WaitPlaylist(ctx context.Context, path string, abort <-chan struct{}) (*os.File, error) {
	check := func() (bool, error) {
		return HasSegments(path), nil
	}
	if err := w.Wait(ctx, filepath.Dir(path), check, abort); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// StreamSource is anything that may expose a live output pipe.
type StreamSource interface {
	Stream() io.ReadCloser
}

// WaitStream waits for a live job to attach its output pipe.
func (w *Waiter) WaitStream(ctx context.Context, src StreamSource, abort <-chan struct{}) (io.ReadCloser, error) {
	var stream io.ReadCloser
	check := func() (bool, error) {
		stream = src.Stream()
		return stream != nil, nil
	}
	if err := w.Wait(ctx, "", check, abort); err != nil {
		return nil, err
	}
	return stream, nil
}

// HasSegments reports whether the playlist at path lists at least one segment.
func HasSegments(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte("#EXTINF"))
}

// Lists reports whether the playlist at path references name.
func Lists(path, name string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(name))
}
