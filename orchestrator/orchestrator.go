package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"ffcache/cache"
	"ffcache/config"
	"ffcache/ffmpeg"
	"ffcache/logger"
	"ffcache/media"
	"ffcache/readiness"
	"ffcache/subtitle"
	"ffcache/task"

	"golang.org/x/time/rate"
)

// Launcher starts a registered job's transcoder and drives it to a terminal state.
type Launcher interface {
	Launch(ctx context.Context, job *task.Job, args []string) error
}

type Prober interface {
	Probe(ctx context.Context, source string) (ffmpeg.ProbeResult, error)
}

type SourceChecker interface {
	Check(ctx context.Context, source string) error
}

type SubtitleExtractor interface {
	Extract(ctx context.Context, source string, index int, dst string) error
}

// Deps are the collaborators of an Orchestrator. Prober, Checker and
// Extractor are optional.
type Deps struct {
	Store     *cache.Store
	Registry  *task.Registry
	Launcher  Launcher
	Waiter    *readiness.Waiter
	Args      *ffmpeg.ArgBuilder
	Prober    Prober
	Checker   SourceChecker
	Extractor SubtitleExtractor
}

// Orchestrator decides, per request, between serving from cache, attaching
// to a running job and starting a new one.
type Orchestrator struct {
	cfg       *config.Config
	store     *cache.Store
	registry  *task.Registry
	launcher  Launcher
	waiter    *readiness.Waiter
	args      *ffmpeg.ArgBuilder
	prober    Prober
	checker   SourceChecker
	extractor SubtitleExtractor

	// jobs outlive the request that started them
	baseCtx    context.Context
	cancelJobs context.CancelFunc

	sweepReq  chan struct{}
	limiter   *rate.Limiter
	loopMu    sync.Mutex
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	subtitles sync.Mutex
}

func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Launcher == nil {
		return nil, errors.New("orchestrator: store, registry and launcher are required")
	}
	waiter := deps.Waiter
	if waiter == nil {
		waiter = readiness.New(cfg.ReadyAttempts, cfg.ReadyInterval)
	}
	args := deps.Args
	if args == nil {
		args = &ffmpeg.ArgBuilder{SegmentSeconds: cfg.HLSSegmentSeconds}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		launcher:   deps.Launcher,
		waiter:     waiter,
		args:       args,
		prober:     deps.Prober,
		checker:    deps.Checker,
		extractor:  deps.Extractor,
		baseCtx:    baseCtx,
		cancelJobs: cancel,
		sweepReq:   make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(sweepRequestEvery), 1),
	}, nil
}

// Transcode serves req. With waitForBuffer the handle carries a reader once
// the output is minimally ready; a readiness timeout is reported through
// Handle.Ready, not as an error.
func (o *Orchestrator) Transcode(ctx context.Context, req media.RenditionRequest, waitForBuffer bool) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.checker != nil {
		if err := o.checker.Check(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	req, direct := o.normalize(ctx, req)
	if direct {
		return o.serveDirect(req, waitForBuffer)
	}

	var sub *media.SubtitleStream
	if req.WantsSubtitle() {
		if s, ok := subtitle.Select(req.Subtitles, req.SubtitleLanguages, req.SubtitleIndex); ok {
			sub = &s
		}
	}
	id := req.JobID(sub)
	tag := req.Tag(sub)
	ext := req.Extension()

	for {
		if !req.Live {
			existing := o.registry.FindReusable(id)
			if existing != nil && existing.Status().Terminal() {
				if err := awaitCleanup(ctx, existing); err != nil {
					return nil, err
				}
				continue
			}
			if existing != nil && sufficient(existing, req) {
				logger.Debugf("Reusing job %s for %s at %.1fs", existing.Key(), req.Source, req.Start)
				return o.serveJob(ctx, existing, req, waitForBuffer, true, nil)
			}
			if existing == nil && o.cfg.CacheEnabled {
				if h, ok, err := o.serveCached(req, media.ArtifactName(id, tag, "", ext), waitForBuffer); ok || err != nil {
					return h, err
				}
			}
		}

		if !req.Cacheable(o.cfg.CacheEnabled) {
			return o.startPartial(ctx, req, sub, id, tag, ext, waitForBuffer)
		}
		h, err := o.startFull(ctx, req, sub, id, tag, ext, waitForBuffer)
		if errors.Is(err, errJobFinishing) {
			continue
		}
		return h, err
	}
}

// errJobFinishing reports that the full job for an id was still cleaning up
// and the decision has to be taken again.
var errJobFinishing = errors.New("full job is finishing")

// awaitCleanup waits until a terminal job has released its output and left
// the registry.
func awaitCleanup(ctx context.Context, job *task.Job) error {
	logger.Debugf("Waiting for job %s to finish cleanup", job.Key())
	select {
	case <-job.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sufficient decides whether a running full job can serve req. The byte
// estimate only applies when a bitrate is known.
func sufficient(job *task.Job, req media.RenditionRequest) bool {
	if req.Start <= 0 || job.Produced() > req.Start {
		return true
	}
	if req.EstimatedBitrate() > 0 {
		return req.StartByte() < job.OutputSize()
	}
	return false
}

// normalize fills source facts from the probe. A probe failure is logged and
// the request continues with what it has.
func (o *Orchestrator) normalize(ctx context.Context, req media.RenditionRequest) (media.RenditionRequest, bool) {
	if o.prober == nil {
		return req, false
	}
	probe, err := o.prober.Probe(ctx, req.Source)
	if err != nil {
		logger.Warnf("Probing %s failed: %v", req.Source, err)
		return req, false
	}
	if req.SourceDuration == 0 {
		req.SourceDuration = probe.DurationSeconds()
	}
	if req.SourceBitrate == 0 {
		req.SourceBitrate = probe.BitRateKbit()
	}
	if len(req.Subtitles) == 0 {
		req.Subtitles = probe.SubtitleStreams()
	}
	return req, probe.Matches(req)
}

func (o *Orchestrator) serveDirect(req media.RenditionRequest, waitForBuffer bool) (*Handle, error) {
	h := &Handle{Path: req.Source, Direct: true}
	if waitForBuffer && !media.IsNetwork(req.Source) {
		f, err := os.Open(req.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrSourceNotFound, err)
		}
		h.Reader = f
	}
	logger.Debugf("Serving %s directly", req.Source)
	return h, nil
}

// serveCached serves a finished artifact. It reports false when there is none.
func (o *Orchestrator) serveCached(req media.RenditionRequest, name string, waitForBuffer bool) (*Handle, bool, error) {
	path, ok := o.store.Exists(name)
	if !ok {
		return nil, false, nil
	}
	if err := o.store.Touch(path); err != nil {
		logger.Warnf("Cache hit %s: %v", name, err)
	}
	h := &Handle{Key: name, Path: path, FromCache: true}
	if req.Segmented {
		h.Path = filepath.Join(path, media.PlaylistName)
	}
	if !waitForBuffer {
		return h, true, nil
	}
	f, err := os.Open(h.Path)
	if err != nil {
		// swept between the check and the open
		logger.Warnf("Cache hit %s vanished: %v", name, err)
		return nil, false, nil
	}
	h.Reader = f
	if !req.Segmented && req.Start > 0 {
		if err := seekTo(h, f, req.StartByte()); err != nil {
			f.Close()
			return nil, true, err
		}
	}
	logger.Debugf("Cache hit %s", name)
	return h, true, nil
}

func (o *Orchestrator) startFull(ctx context.Context, req media.RenditionRequest, sub *media.SubtitleStream, id, tag, ext string, waitForBuffer bool) (*Handle, error) {
	job, args, err := o.prepare(req, sub, id, tag, ext, "")
	if err != nil {
		return nil, err
	}
	winner, registered := o.registry.RegisterOrAttach(job)
	if !registered && winner.Status().Terminal() {
		if err := awaitCleanup(ctx, winner); err != nil {
			return nil, err
		}
		return nil, errJobFinishing
	}
	if !registered {
		logger.Debugf("Attaching to concurrently started job %s", winner.Key())
		return o.serveJob(ctx, winner, req, waitForBuffer, true, nil)
	}
	// no job owns the path now; leftovers of an interrupted run go first
	if err := o.store.Remove(job.OwnedPath()); err != nil {
		logger.Warnf("Job %s: %v", job.Key(), err)
	}
	if err := o.launcher.Launch(o.baseCtx, job, args); err != nil {
		return nil, err
	}
	return o.serveJob(ctx, job, req, waitForBuffer, false, nil)
}

func (o *Orchestrator) startPartial(ctx context.Context, req media.RenditionRequest, sub *media.SubtitleStream, id, tag, ext string, waitForBuffer bool) (*Handle, error) {
	job, args, err := o.prepare(req, sub, id, tag, ext, task.NewSubKey())
	if err != nil {
		return nil, err
	}
	var release func()
	if !job.Live {
		release = job.Hold()
	}
	if err := o.registry.Register(job); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	if err := o.launcher.Launch(o.baseCtx, job, args); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	return o.serveJob(ctx, job, req, waitForBuffer, false, release)
}

// prepare builds the job and its arguments without registering anything.
func (o *Orchestrator) prepare(req media.RenditionRequest, sub *media.SubtitleStream, id, tag, ext, subKey string) (*task.Job, []string, error) {
	spec := task.Spec{
		ID:             id,
		SubKey:         subKey,
		Live:           req.Live,
		Segmented:      req.Segmented && !req.Live,
		Start:          req.Start,
		TargetDuration: targetDuration(req),
	}
	if !req.Live {
		path := o.store.Path(media.ArtifactName(id, tag, subKey, ext))
		if spec.Segmented {
			spec.SegmentDir = path
			spec.OutputPath = filepath.Join(path, media.PlaylistName)
			spec.FirstSegment = o.firstSegment(req.Start)
		} else {
			spec.OutputPath = path
		}
	}
	args, err := o.args.Build(req, sub, ffmpeg.Output{
		Path:         spec.OutputPath,
		SegmentDir:   spec.SegmentDir,
		FirstSegment: spec.FirstSegment,
		Live:         spec.Live,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: building transcoder arguments: %v", media.ErrInvalidRequest, err)
	}
	return task.NewJob(spec), args, nil
}

func (o *Orchestrator) firstSegment(start float64) int {
	seg := o.cfg.HLSSegmentSeconds
	if seg <= 0 || start <= 0 {
		return 0
	}
	return int(start) / seg
}

func targetDuration(req media.RenditionRequest) float64 {
	if req.Duration > 0 {
		return req.Duration
	}
	if req.SourceDuration > req.Start {
		return req.SourceDuration - req.Start
	}
	return 0
}

// serveJob builds the handle for a registered job, waiting for readiness
// when asked. release, if set, is dropped once the output is open.
func (o *Orchestrator) serveJob(ctx context.Context, job *task.Job, req media.RenditionRequest, waitForBuffer, reused bool, release func()) (*Handle, error) {
	h := &Handle{Key: job.Key(), Job: job, Path: job.OutputPath, Reused: reused, release: release}
	if !waitForBuffer {
		h.releaseHold()
		return h, nil
	}
	defer h.releaseHold()

	var (
		reader io.ReadCloser
		err    error
	)
	switch {
	case job.Live:
		reader, err = o.waiter.WaitStream(ctx, job, job.Done())
	case job.Segmented:
		reader, err = openFile(o.waiter.WaitPlaylist(ctx, job.OutputPath, job.Done()))
	default:
		reader, err = openFile(o.waiter.WaitFile(ctx, job.OutputPath, job.Done()))
	}
	if errors.Is(err, readiness.ErrNotReady) {
		logger.Warnf("Job %s output not ready after %s", job.Key(), o.waiter.Budget())
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	h.Reader = reader

	if f, ok := reader.(*os.File); ok && reused && !job.Segmented && !job.Live && req.Start > job.Start {
		if err := seekTo(h, f, req.StartByte()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return h, nil
}

func openFile(f *os.File, err error) (io.ReadCloser, error) {
	if err != nil {
		return nil, err
	}
	return f, nil
}

func seekTo(h *Handle, f *os.File, offset int64) error {
	if offset <= 0 {
		return nil
	}
	pos, err := f.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seeking to %d: %w", offset, err)
	}
	h.Offset = pos
	return nil
}

// Stop requests cancellation of a registered job.
func (o *Orchestrator) Stop(key string) error {
	job, ok := o.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, key)
	}
	if st := job.Status(); st.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotStoppable, st)
	}
	job.RequestStop()
	logger.Infof("Stop requested for job %s", key)
	return nil
}

// StopAll requests cancellation of every registered job.
func (o *Orchestrator) StopAll() {
	for _, job := range o.registry.List() {
		job.RequestStop()
	}
}

// Jobs lists registered jobs, oldest first.
func (o *Orchestrator) Jobs() []task.Info {
	jobs := o.registry.List()
	infos := make([]task.Info, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.Info())
	}
	return infos
}

func (o *Orchestrator) Job(key string) (task.Info, error) {
	job, ok := o.registry.Lookup(key)
	if !ok {
		return task.Info{}, fmt.Errorf("%w: %s", task.ErrNotFound, key)
	}
	return job.Info(), nil
}

func (o *Orchestrator) Stats() (cache.Stats, error) {
	return o.store.Stats()
}
