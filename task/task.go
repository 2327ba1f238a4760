package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

var (
	ErrCancelled     = errors.New("job cancelled")
	ErrDuplicateFull = errors.New("a full job is already registered for this id")
	ErrNotFound      = errors.New("job not found")
	errBadTransition = errors.New("invalid job state transition")
)

const (
	noSegment         = -1
	maxConsoleLogSize = 8 << 10
)

// Spec holds the immutable part of a job.
type Spec struct {
	ID             string
	SubKey         string
	Live           bool
	Segmented      bool
	OutputPath     string // output file, or the playlist for segmented output
	SegmentDir     string
	Start          float64
	TargetDuration float64
	FirstSegment   int
}

// Job is one transcoder invocation. Full jobs (empty SubKey) produce the
// cacheable rendition; partial jobs serve a seek offset or a live slice and
// never outlive their process.
type Job struct {
	Spec
	CreatedAt time.Time

	mu          sync.Mutex
	status      Status
	err         error
	produced    float64
	lastSegment int
	startedAt   time.Time
	finishedAt  time.Time
	stream      io.ReadCloser
	console     string

	holds    sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// NewSubKey returns a fresh partial-job key.
func NewSubKey() string {
	return "p" + shortuuid.New()
}

func NewJob(spec Spec) *Job {
	return &Job{
		Spec:        spec,
		CreatedAt:   time.Now(),
		status:      StatusCreated,
		lastSegment: noSegment,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (j *Job) Partial() bool { return j.SubKey != "" }

// Key addresses the job from the outside; partial jobs share the id of
// their full counterpart.
func (j *Job) Key() string {
	if j.SubKey == "" {
		return j.ID
	}
	return j.ID + "." + j.SubKey
}

// OwnedPath is what the cache sweep must leave alone while the job is registered.
func (j *Job) OwnedPath() string {
	if j.Segmented && j.SegmentDir != "" {
		return j.SegmentDir
	}
	return j.OutputPath
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// MarkRunning moves a created job to running.
func (j *Job) MarkRunning() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusCreated {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, j.status, StatusRunning)
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	return nil
}

// Finish records a terminal state. Only the first call has an effect.
func (j *Job) Finish(status Status, err error) bool {
	if !status.Terminal() {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	j.err = err
	j.finishedAt = time.Now()
	return true
}

// RequestStop asks the supervisor to abort the job at its next tick.
func (j *Job) RequestStop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Job) StopRequested() <-chan struct{} { return j.stop }

func (j *Job) Stopping() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

// Hold keeps a partial job's output on disk until the returned release is
// called, so a reader can open it before cleanup. Take holds before launch.
func (j *Job) Hold() (release func()) {
	j.holds.Add(1)
	var once sync.Once
	return func() { once.Do(j.holds.Done) }
}

// WaitHolds waits for outstanding holds, up to timeout.
func (j *Job) WaitHolds(timeout time.Duration) bool {
	released := make(chan struct{})
	go func() {
		j.holds.Wait()
		close(released)
	}()
	select {
	case <-released:
		return true
	case <-time.After(timeout):
		return false
	}
}

// SignalDone fires the completion signal. Call it after the terminal state
// and all file bookkeeping are in place.
func (j *Job) SignalDone() {
	j.doneOnce.Do(func() { close(j.done) })
}

func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is done and returns its error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetProduced records how many seconds of media, counted from the source
// start, the job has written.
func (j *Job) SetProduced(seconds float64) {
	j.mu.Lock()
	if seconds > j.produced {
		j.produced = seconds
	}
	j.mu.Unlock()
}

func (j *Job) Produced() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.produced
}

func (j *Job) SetLastSegment(seq int) {
	j.mu.Lock()
	if seq > j.lastSegment {
		j.lastSegment = seq
	}
	j.mu.Unlock()
}

// LastSegment is the highest contiguous segment written, or -1.
func (j *Job) LastSegment() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSegment
}

func (j *Job) AttachStream(r io.ReadCloser) {
	j.mu.Lock()
	j.stream = r
	j.mu.Unlock()
}

func (j *Job) Stream() io.ReadCloser {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stream
}

func (j *Job) SetConsole(out string) {
	if len(out) > maxConsoleLogSize {
		out = out[len(out)-maxConsoleLogSize:]
	}
	j.mu.Lock()
	j.console = out
	j.mu.Unlock()
}

// OutputSize is the number of bytes written so far.
func (j *Job) OutputSize() int64 {
	if j.Segmented {
		var total int64
		entries, err := os.ReadDir(j.SegmentDir)
		if err != nil {
			return 0
		}
		for _, e := range entries {
			if info, err := e.Info(); err == nil && !info.IsDir() {
				total += info.Size()
			}
		}
		return total
	}
	info, err := os.Stat(j.OutputPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Info is a point-in-time snapshot for listings.
type Info struct {
	Key         string    `json:"key"`
	ID          string    `json:"id"`
	Partial     bool      `json:"partial"`
	Live        bool      `json:"live,omitempty"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Output      string    `json:"output,omitempty"`
	Start       float64   `json:"start,omitempty"`
	Produced    float64   `json:"produced"`
	LastSegment int       `json:"lastSegment,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	Console     string    `json:"console,omitempty"`
}

func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := Info{
		Key:        j.Key(),
		ID:         j.ID,
		Partial:    j.Partial(),
		Live:       j.Live,
		Status:     j.status,
		Output:     filepath.Base(j.OwnedPath()),
		Start:      j.Start,
		Produced:   j.produced,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Console:    j.console,
	}
	if j.Segmented {
		info.LastSegment = j.lastSegment
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}
