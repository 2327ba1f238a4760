package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ffcache/config"
	"ffcache/logger"
	"ffcache/media"
	"ffcache/readiness"
	"ffcache/task"
)

var (
	ErrLaunchFailure  = errors.New("transcoder could not be started")
	ErrProcessFailure = errors.New("transcoder failed")
)

// Registry is the part of the job registry the supervisor drives.
type Registry interface {
	Unregister(job *task.Job) bool
}

// ArtifactStore is the part of the cache the supervisor needs for cleanup.
type ArtifactStore interface {
	Root() string
	Touch(path string) error
	Remove(path string) error
}

// Supervisor runs one transcoder process per job and drives the job to a
// terminal state: it monitors progress, honours stop requests, cleans up
// output and unregisters the job before signalling completion.
type Supervisor struct {
	bin         string
	interval    time.Duration
	grace       time.Duration
	holdTimeout time.Duration
	throttle    throttle
	runAs       RunAs
	registry    Registry
	store       ArtifactStore

	mu       sync.Mutex
	onFinish func(*task.Job)
	wg       sync.WaitGroup
}

func NewSupervisor(cfg *config.Config, registry Registry, store ArtifactStore, runAs RunAs) (*Supervisor, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if runAs == nil {
		runAs = NoopRunAs{}
	}
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Supervisor{
		bin:         cfg.FFBin,
		interval:    interval,
		grace:       cfg.KillGrace,
		holdTimeout: time.Duration(cfg.ReadyAttempts) * cfg.ReadyInterval,
		throttle: throttle{
			cpu:      cfg.ThrottleCPU,
			freeMem:  cfg.ThrottleFreeMem,
			freeDisk: cfg.ThrottleFreeDisk,
		},
		runAs:    runAs,
		registry: registry,
		store:    store,
	}, nil
}

// OnFinish sets a callback invoked after a job's completion signal fired.
func (s *Supervisor) OnFinish(fn func(*task.Job)) {
	s.mu.Lock()
	s.onFinish = fn
	s.mu.Unlock()
}

// Wait blocks until every monitored process has been reaped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Launch starts the transcoder for a registered job. On failure the job is
// already finished, cleaned up and unregistered when Launch returns.
func (s *Supervisor) Launch(ctx context.Context, job *task.Job, args []string) error {
	if err := s.throttle.check(s.store.Root()); err != nil {
		return s.launchFailed(job, fmt.Errorf("insufficient system resources: %w", err))
	}
	if job.Segmented {
		if err := os.MkdirAll(job.SegmentDir, 0o755); err != nil {
			return s.launchFailed(job, err)
		}
		if err := os.WriteFile(job.OutputPath, []byte(placeholderPlaylist(job)), 0o644); err != nil {
			return s.launchFailed(job, err)
		}
	}

	cmd := exec.Command(s.bin, args...)
	cmd.WaitDelay = s.grace
	if err := s.runAs.Prepare(cmd); err != nil {
		return s.launchFailed(job, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.launchFailed(job, err)
	}
	progress := newProgressWriter(job)
	cmd.Stderr = progress

	var liveWriter *os.File
	if job.Live {
		pr, pw, err := os.Pipe()
		if err != nil {
			return s.launchFailed(job, err)
		}
		cmd.Stdout = pw
		liveWriter = pw
		job.AttachStream(pr)
	}

	logger.Debugf("Executing for job %s: %s %s", job.Key(), s.bin, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		if liveWriter != nil {
			liveWriter.Close()
		}
		return s.launchFailed(job, err)
	}
	if liveWriter != nil {
		// the child holds its own copy
		liveWriter.Close()
	}
	if err := job.MarkRunning(); err != nil {
		// stopped before it started; the monitor loop aborts it right away
		logger.Warnf("Job %s: %v", job.Key(), err)
	}
	logger.Infof("Job %s started (pid %d)", job.Key(), cmd.Process.Pid)

	s.wg.Add(1)
	go s.monitor(ctx, job, cmd, stdin, progress)
	return nil
}

func (s *Supervisor) launchFailed(job *task.Job, cause error) error {
	err := fmt.Errorf("%w: %v", ErrLaunchFailure, cause)
	logger.Errorf("Job %s: %v", job.Key(), err)
	job.Finish(task.StatusFailed, err)
	s.finalize(job)
	return err
}

func (s *Supervisor) monitor(ctx context.Context, job *task.Job, cmd *exec.Cmd, stdin io.WriteCloser, progress *progressWriter) {
	defer s.wg.Done()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		waitErr error
		aborted bool
	)
loop:
	for {
		select {
		case waitErr = <-exited:
			break loop
		case <-job.StopRequested():
			aborted = true
			waitErr = s.terminate(job, cmd, stdin, exited)
			break loop
		case <-ctx.Done():
			aborted = true
			waitErr = s.terminate(job, cmd, stdin, exited)
			break loop
		case <-ticker.C:
			if job.Segmented {
				scanSegments(job)
			}
		}
	}
	if job.Segmented {
		scanSegments(job)
	}
	job.SetConsole(progress.Tail())

	switch {
	case aborted:
		job.Finish(task.StatusAborted, task.ErrCancelled)
		logger.Infof("Job %s aborted", job.Key())
	case waitErr != nil:
		err := fmt.Errorf("%w: %v: %s", ErrProcessFailure, waitErr, progress.LastError())
		job.Finish(task.StatusFailed, err)
		logger.Errorf("Job %s failed: %v", job.Key(), err)
	case !job.Live && !outputWritten(job):
		job.Finish(task.StatusFailed, fmt.Errorf("%w: no output written", ErrProcessFailure))
		logger.Errorf("Job %s exited cleanly without output", job.Key())
	default:
		job.Finish(task.StatusCompleted, nil)
		logger.Infof("Job %s completed (%.1fs produced)", job.Key(), job.Produced())
	}
	s.finalize(job)
}

// terminate asks the process to quit, then kills it and its children once
// the grace period runs out.
func (s *Supervisor) terminate(job *task.Job, cmd *exec.Cmd, stdin io.WriteCloser, exited <-chan error) error {
	if !job.Live {
		_, _ = io.WriteString(stdin, "q")
	}
	_ = stdin.Close()

	select {
	case err := <-exited:
		return err
	case <-time.After(s.grace):
	}
	if err := killTree(cmd.Process.Pid); err != nil {
		logger.Warnf("Job %s: killing transcoder: %v", job.Key(), err)
	}
	return <-exited
}

// finalize runs exactly once per job: cleanup, unregister, then signal.
func (s *Supervisor) finalize(job *task.Job) {
	status := job.Status()
	path := job.OwnedPath()

	if status != task.StatusCompleted {
		if stream := job.Stream(); stream != nil {
			stream.Close()
		}
	}

	switch {
	case job.Live || path == "":
	case job.Partial() || status != task.StatusCompleted:
		if job.Partial() && status == task.StatusCompleted && !job.WaitHolds(s.holdTimeout) {
			logger.Warnf("Job %s: reader did not release output in time", job.Key())
		}
		if err := s.store.Remove(path); err != nil {
			logger.Warnf("Job %s: %v", job.Key(), err)
		}
	default:
		if err := s.store.Touch(path); err != nil {
			logger.Warnf("Job %s: %v", job.Key(), err)
		}
	}

	s.registry.Unregister(job)
	job.SignalDone()

	s.mu.Lock()
	fn := s.onFinish
	s.mu.Unlock()
	if fn != nil {
		fn(job)
	}
}

func outputWritten(job *task.Job) bool {
	if job.Segmented {
		return readiness.HasSegments(job.OutputPath)
	}
	info, err := os.Stat(job.OutputPath)
	return err == nil && info.Size() > 0
}

// scanSegments records the highest contiguous segment on disk.
func scanSegments(job *task.Job) {
	entries, err := os.ReadDir(job.SegmentDir)
	if err != nil {
		return
	}
	present := make(map[int]bool, len(entries))
	for _, e := range entries {
		if n, ok := media.ParseSegmentName(e.Name()); ok {
			present[n] = true
		}
	}
	last := -1
	for seq := job.FirstSegment; present[seq]; seq++ {
		last = seq
	}
	if last >= 0 {
		job.SetLastSegment(last)
	}
}

func placeholderPlaylist(job *task.Job) string {
	target := 10
	if job.TargetDuration > 0 && job.TargetDuration < float64(target) {
		target = int(job.TargetDuration) + 1
	}
	return fmt.Sprintf("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n",
		target, job.FirstSegment)
}
