package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ffcache/cache"
	"ffcache/config"
	"ffcache/ffmpeg"
	"ffcache/media"
	"ffcache/readiness"
	"ffcache/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

const outputSize = 1000

// fakeLauncher writes output immediately and keeps the job running until
// complete is closed or a stop arrives. Cleanup follows the supervisor's
// rules so the orchestrator sees the same lifecycle.
type fakeLauncher struct {
	registry *task.Registry
	store    *cache.Store

	complete  chan struct{}
	produced  float64
	noOutput  bool
	launchErr error
	onFinish  func(*task.Job)

	mu       sync.Mutex
	launched []*task.Job
}

func (f *fakeLauncher) Launch(ctx context.Context, job *task.Job, args []string) error {
	f.mu.Lock()
	f.launched = append(f.launched, job)
	f.mu.Unlock()

	if f.launchErr != nil {
		job.Finish(task.StatusFailed, f.launchErr)
		f.registry.Unregister(job)
		job.SignalDone()
		return f.launchErr
	}
	if err := job.MarkRunning(); err != nil {
		return err
	}
	if !f.noOutput {
		f.writeOutput(job)
	}
	job.SetProduced(job.Start + f.produced)

	go func() {
		select {
		case <-f.complete:
			job.Finish(task.StatusCompleted, nil)
		case <-job.StopRequested():
			job.Finish(task.StatusAborted, task.ErrCancelled)
		case <-ctx.Done():
			job.Finish(task.StatusAborted, task.ErrCancelled)
		}
		if !job.Live && (job.Partial() || job.Status() != task.StatusCompleted) {
			if job.Status() == task.StatusCompleted {
				job.WaitHolds(time.Second)
			}
			_ = f.store.Remove(job.OwnedPath())
		}
		f.registry.Unregister(job)
		job.SignalDone()
		if f.onFinish != nil {
			f.onFinish(job)
		}
	}()
	return nil
}

func (f *fakeLauncher) writeOutput(job *task.Job) {
	switch {
	case job.Live:
		job.AttachStream(io.NopCloser(strings.NewReader("live")))
	case job.Segmented:
		_ = os.MkdirAll(job.SegmentDir, 0o755)
		seg := media.SegmentName(job.FirstSegment)
		_ = os.WriteFile(filepath.Join(job.SegmentDir, seg), make([]byte, outputSize), 0o644)
		_ = os.WriteFile(job.OutputPath, []byte("#EXTM3U\n#EXTINF:4.0,\n"+seg+"\n"), 0o644)
		job.SetLastSegment(job.FirstSegment)
	default:
		_ = os.WriteFile(job.OutputPath, make([]byte, outputSize), 0o644)
	}
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

type fakeChecker struct {
	err error
}

func (c fakeChecker) Check(context.Context, string) error { return c.err }

type fakeProber struct {
	result ffmpeg.ProbeResult
	err    error
}

func (p fakeProber) Probe(context.Context, string) (ffmpeg.ProbeResult, error) {
	return p.result, p.err
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeExtractor) Extract(_ context.Context, _ string, _ int, dst string) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return os.WriteFile(dst, []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\n"), 0o644)
}

type fixture struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	store    *cache.Store
	registry *task.Registry
	cfg      *config.Config
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	store, err := cache.New(cache.Options{Root: t.TempDir(), Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	registry := task.NewRegistry()
	launcher := &fakeLauncher{registry: registry, store: store, complete: make(chan struct{})}

	cfg := &config.Config{CacheEnabled: true, HLSSegmentSeconds: 4, SubtitleEncoding: "UTF-8"}
	deps := Deps{
		Store:     store,
		Registry:  registry,
		Launcher:  launcher,
		Waiter:    readiness.New(20, 10*time.Millisecond),
		Extractor: &fakeExtractor{},
	}
	for _, m := range mutate {
		m(&deps)
	}
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	launcher.onFinish = orch.JobFinished

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{orch: orch, launcher: launcher, store: store, registry: registry, cfg: cfg}
}

func videoRequest() media.RenditionRequest {
	return media.RenditionRequest{
		Source:       "/media/movie.mkv",
		Kind:         media.KindVideo,
		VideoBitrate: 2000,
		AudioBitrate: 128,
	}
}

func waitDone(t *testing.T, job *task.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.Key())
	}
}

func TestTranscode_NewFullJobIsReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Transcode(ctx, videoRequest(), true)
	require.NoError(t, err)
	defer first.Close()
	require.NotNil(t, first.Job)
	assert.True(t, first.Ready())
	assert.False(t, first.Partial())
	assert.False(t, first.Reused)
	assert.Equal(t, first.Job.ID, first.Key)

	second, err := f.orch.Transcode(ctx, videoRequest(), true)
	require.NoError(t, err)
	defer second.Close()
	assert.Same(t, first.Job, second.Job)
	assert.True(t, second.Reused)
	assert.Equal(t, 1, f.launcher.count())

	close(f.launcher.complete)
	waitDone(t, first.Job)
	assert.Equal(t, task.StatusCompleted, first.Job.Status())
	assert.Zero(t, f.registry.Len())
	assert.FileExists(t, first.Path)
}

func TestTranscode_ConcurrentRequestsShareOneJob(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	jobs := make(chan *task.Job, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.orch.Transcode(context.Background(), videoRequest(), false)
			if assert.NoError(t, err) {
				jobs <- h.Job
			}
		}()
	}
	wg.Wait()
	close(jobs)

	assert.Equal(t, 1, f.launcher.count())
	var first *task.Job
	for j := range jobs {
		if first == nil {
			first = j
		}
		assert.Same(t, first, j)
	}
}

func TestTranscode_CacheHitRefreshesRecency(t *testing.T) {
	f := newFixture(t)
	req := videoRequest()
	req.Start = 10

	name := media.ArtifactName(req.JobID(nil), req.Tag(nil), "", req.Extension())
	path := f.store.Path(name)
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0o644))
	old := fixedNow.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	h, err := f.orch.Transcode(context.Background(), req, true)
	require.NoError(t, err)
	defer h.Close()

	assert.True(t, h.FromCache)
	assert.True(t, h.Ready())
	assert.Nil(t, h.Job)
	assert.Equal(t, name, h.Key)
	assert.Equal(t, req.StartByte(), h.Offset)
	assert.Zero(t, f.launcher.count())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(fixedNow))
}

func TestTranscode_FarSeekStartsPartialJob(t *testing.T) {
	f := newFixture(t)
	f.launcher.produced = 10
	ctx := context.Background()

	full, err := f.orch.Transcode(ctx, videoRequest(), false)
	require.NoError(t, err)

	seek := videoRequest()
	seek.Start = 500
	partial, err := f.orch.Transcode(ctx, seek, true)
	require.NoError(t, err)

	assert.True(t, partial.Partial())
	assert.NotSame(t, full.Job, partial.Job)
	assert.Equal(t, full.Job.ID, partial.Job.ID)
	assert.Equal(t, 2, f.launcher.count())
	require.True(t, partial.Ready())
	require.NoError(t, partial.Close())

	close(f.launcher.complete)
	waitDone(t, partial.Job)
	waitDone(t, full.Job)
	assert.NoFileExists(t, partial.Job.OutputPath)
	assert.FileExists(t, full.Job.OutputPath)
}

func TestTranscode_FarSeekWithoutBitrateStartsPartialJob(t *testing.T) {
	f := newFixture(t)
	f.launcher.produced = 10
	ctx := context.Background()

	req := media.RenditionRequest{Source: "/media/movie.mkv", Kind: media.KindVideo}
	full, err := f.orch.Transcode(ctx, req, false)
	require.NoError(t, err)

	seek := req
	seek.Start = 500
	h, err := f.orch.Transcode(ctx, seek, false)
	require.NoError(t, err)
	assert.True(t, h.Partial(), "no bitrate means no byte estimate to lean on")
	assert.NotSame(t, full.Job, h.Job)
	assert.Equal(t, 2, f.launcher.count())
}

func TestTranscode_WaitsForFinishingFullJob(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := f.orch.Transcode(ctx, videoRequest(), false)
	require.NoError(t, err)
	// terminal but not yet cleaned up
	first.Job.Finish(task.StatusFailed, ffmpeg.ErrProcessFailure)

	type result struct {
		h   *Handle
		err error
	}
	next := make(chan result, 1)
	go func() {
		h, err := f.orch.Transcode(ctx, videoRequest(), false)
		next <- result{h, err}
	}()

	select {
	case r := <-next:
		t.Fatalf("request decided before cleanup: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, f.launcher.count())

	close(f.launcher.complete)
	waitDone(t, first.Job)

	var r result
	select {
	case r = <-next:
	case <-time.After(5 * time.Second):
		t.Fatal("request never proceeded")
	}
	require.NoError(t, r.err)
	require.NotNil(t, r.h.Job)
	assert.NotSame(t, first.Job, r.h.Job)
	assert.False(t, r.h.FromCache, "a failed output is never a cache hit")
	assert.Equal(t, 2, f.launcher.count())

	waitDone(t, r.h.Job)
	assert.Equal(t, task.StatusCompleted, r.h.Job.Status())
	assert.FileExists(t, r.h.Job.OutputPath)
}

func TestTranscode_NearSeekReusesFullJob(t *testing.T) {
	f := newFixture(t)
	f.launcher.produced = 60
	ctx := context.Background()

	full, err := f.orch.Transcode(ctx, videoRequest(), false)
	require.NoError(t, err)

	seek := videoRequest()
	seek.Start = 30
	h, err := f.orch.Transcode(ctx, seek, false)
	require.NoError(t, err)
	assert.Same(t, full.Job, h.Job)
	assert.True(t, h.Reused)
	assert.Equal(t, 1, f.launcher.count())
}

func TestTranscode_ClipIsPartial(t *testing.T) {
	f := newFixture(t)
	clip := videoRequest()
	clip.Duration = 20

	h, err := f.orch.Transcode(context.Background(), clip, false)
	require.NoError(t, err)
	assert.True(t, h.Partial())
	assert.InDelta(t, 20, h.Job.TargetDuration, 0.001)
}

func TestTranscode_LiveStreams(t *testing.T) {
	f := newFixture(t)
	live := videoRequest()
	live.Live = true

	h, err := f.orch.Transcode(context.Background(), live, true)
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, h.Live())
	assert.True(t, h.Partial())
	assert.Empty(t, h.Job.OutputPath)

	data, err := io.ReadAll(h.Reader)
	require.NoError(t, err)
	assert.Equal(t, "live", string(data))
}

func TestTranscode_NotReadyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.launcher.noOutput = true

	h, err := f.orch.Transcode(context.Background(), videoRequest(), true)
	require.NoError(t, err)
	assert.False(t, h.Ready())
	assert.Nil(t, h.Reader)
	assert.NotNil(t, h.Job)
}

func TestTranscode_Failures(t *testing.T) {
	t.Run("missing source", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) { d.Checker = fakeChecker{err: media.ErrSourceNotFound} })
		_, err := f.orch.Transcode(context.Background(), videoRequest(), true)
		assert.ErrorIs(t, err, media.ErrSourceNotFound)
		assert.Zero(t, f.launcher.count())
	})

	t.Run("launch failure", func(t *testing.T) {
		f := newFixture(t)
		f.launcher.launchErr = ffmpeg.ErrLaunchFailure
		_, err := f.orch.Transcode(context.Background(), videoRequest(), true)
		assert.ErrorIs(t, err, ffmpeg.ErrLaunchFailure)
		assert.Zero(t, f.registry.Len())
	})

	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.Transcode(context.Background(), media.RenditionRequest{Kind: media.KindVideo}, true)
		assert.Error(t, err)
	})
}

func TestTranscode_DirectPlay(t *testing.T) {
	probe := ffmpeg.ProbeResult{
		Streams: []ffmpeg.ProbeStream{{Index: 0, CodecType: "video", CodecName: "h264"}, {Index: 1, CodecType: "audio", CodecName: "aac"}},
		Format:  ffmpeg.ProbeFormat{FormatName: "mov,mp4,m4a", Duration: "60", BitRate: "1024000"},
	}
	f := newFixture(t, func(d *Deps) { d.Prober = fakeProber{result: probe} })

	h, err := f.orch.Transcode(context.Background(), media.RenditionRequest{Source: "http://host/movie.mp4", Kind: media.KindVideo}, true)
	require.NoError(t, err)
	assert.True(t, h.Direct)
	assert.Equal(t, "http://host/movie.mp4", h.Path)
	assert.Zero(t, f.launcher.count())
}

func TestTranscode_ProbeFailureContinues(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Prober = fakeProber{err: errors.New("ffprobe exploded")} })
	h, err := f.orch.Transcode(context.Background(), videoRequest(), false)
	require.NoError(t, err)
	assert.NotNil(t, h.Job)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	h, err := f.orch.Transcode(context.Background(), videoRequest(), true)
	require.NoError(t, err)
	h.Close()

	require.NoError(t, f.orch.Stop(h.Key))
	waitDone(t, h.Job)

	assert.Equal(t, task.StatusAborted, h.Job.Status())
	assert.ErrorIs(t, h.Job.Err(), task.ErrCancelled)
	assert.NoFileExists(t, h.Job.OutputPath)
	assert.Zero(t, f.registry.Len())

	assert.ErrorIs(t, f.orch.Stop(h.Key), task.ErrNotFound)

	finished := task.NewJob(task.Spec{ID: h.Job.ID, SubKey: "pdone"})
	require.NoError(t, f.registry.Register(finished))
	finished.Finish(task.StatusCompleted, nil)
	err = f.orch.Stop(finished.Key())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot stop job in state: completed")
	f.registry.Unregister(finished)
}

func TestJobsListing(t *testing.T) {
	f := newFixture(t)
	h, err := f.orch.Transcode(context.Background(), videoRequest(), false)
	require.NoError(t, err)

	infos := f.orch.Jobs()
	require.Len(t, infos, 1)
	assert.Equal(t, h.Key, infos[0].Key)
	assert.Equal(t, task.StatusRunning, infos[0].Status)

	info, err := f.orch.Job(h.Key)
	require.NoError(t, err)
	assert.Equal(t, h.Job.ID, info.ID)

	_, err = f.orch.Job("nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestSegment(t *testing.T) {
	f := newFixture(t)
	req := videoRequest()
	req.Segmented = true
	ctx := context.Background()

	h, err := f.orch.Transcode(ctx, req, true)
	require.NoError(t, err)
	h.Close()
	assert.Equal(t, media.PlaylistName, filepath.Base(h.Path))

	playlist, err := f.orch.Segment(ctx, h.Key, media.PlaylistName)
	require.NoError(t, err)
	assert.Equal(t, h.Path, playlist)

	seg, err := f.orch.Segment(ctx, h.Key, "00000.ts")
	require.NoError(t, err)
	assert.FileExists(t, seg)

	_, err = f.orch.Segment(ctx, h.Key, "00009.ts")
	assert.ErrorIs(t, err, readiness.ErrNotReady)

	for _, bad := range []string{"../00000.ts", "x/00000.ts", "secret.txt"} {
		_, err = f.orch.Segment(ctx, h.Key, bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}

	close(f.launcher.complete)
	waitDone(t, h.Job)

	seg, err = f.orch.Segment(ctx, h.Key, "00000.ts")
	require.NoError(t, err, "finished output is served from the cache")
	assert.FileExists(t, seg)

	_, err = f.orch.Segment(ctx, strings.Repeat("f", 32), "00000.ts")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestSegment_PartialStartsAtOffset(t *testing.T) {
	f := newFixture(t)
	req := videoRequest()
	req.Segmented = true
	req.Start = 42

	h, err := f.orch.Transcode(context.Background(), req, false)
	require.NoError(t, err)
	assert.True(t, h.Partial())
	assert.Equal(t, 10, h.Job.FirstSegment)
}

func TestSubtitleFile(t *testing.T) {
	ctx := context.Background()

	t.Run("external file is converted once", func(t *testing.T) {
		f := newFixture(t)
		src := filepath.Join(t.TempDir(), "movie.fr.srt")
		require.NoError(t, os.WriteFile(src, []byte("1\n00:00:01,000 --> 00:00:02,000\ncaf\xe9\n"), 0o644))

		req := videoRequest()
		req.SubtitleMode = media.SubtitleSideCar
		req.Subtitles = []media.SubtitleStream{{External: true, Path: src, Language: "fr", Encoding: "windows-1252"}}

		path, err := f.orch.SubtitleFile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, f.store.Root(), filepath.Dir(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "café")

		again, err := f.orch.SubtitleFile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, path, again)
	})

	t.Run("utf-8 external file is served in place", func(t *testing.T) {
		f := newFixture(t)
		req := videoRequest()
		req.Subtitles = []media.SubtitleStream{{External: true, Path: "/media/movie.en.srt", Language: "en"}}
		path, err := f.orch.SubtitleFile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "/media/movie.en.srt", path)
	})

	t.Run("embedded stream is extracted once", func(t *testing.T) {
		extractor := &fakeExtractor{}
		f := newFixture(t, func(d *Deps) { d.Extractor = extractor })
		req := videoRequest()
		req.Container = "vtt"
		req.Subtitles = []media.SubtitleStream{{Index: 2, Language: "en", Codec: "subrip"}}

		path, err := f.orch.SubtitleFile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ".vtt", filepath.Ext(path))
		_, err = f.orch.SubtitleFile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, extractor.calls)
	})

	t.Run("nothing to select", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.SubtitleFile(ctx, videoRequest())
		assert.ErrorIs(t, err, ErrNoSubtitle)
	})
}

func TestJobFinishedRequestsSweep(t *testing.T) {
	f := newFixture(t)

	partial := task.NewJob(task.Spec{ID: strings.Repeat("a", 32), SubKey: "px"})
	partial.Finish(task.StatusCompleted, nil)
	f.orch.JobFinished(partial)
	assert.Len(t, f.orch.sweepReq, 0)

	full := task.NewJob(task.Spec{ID: strings.Repeat("a", 32)})
	full.Finish(task.StatusCompleted, nil)
	f.orch.JobFinished(full)
	f.orch.JobFinished(full)
	assert.Len(t, f.orch.sweepReq, 1)
}

func TestSweepSparesRunningJobs(t *testing.T) {
	store, err := cache.New(cache.Options{Root: t.TempDir(), MaxBytes: 1, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	f := newFixture(t, func(d *Deps) { d.Store = store })
	f.launcher.store = store

	h, err := f.orch.Transcode(context.Background(), videoRequest(), false)
	require.NoError(t, err)

	res, err := f.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.FileExists(t, h.Job.OutputPath)

	stats, err := f.orch.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
}

func TestShutdownStopsJobs(t *testing.T) {
	f := newFixture(t)
	f.orch.Start(context.Background())

	h, err := f.orch.Transcode(context.Background(), videoRequest(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	assert.Equal(t, task.StatusAborted, h.Job.Status())
	assert.Zero(t, f.registry.Len())
	assert.NoFileExists(t, h.Job.OutputPath)
}
