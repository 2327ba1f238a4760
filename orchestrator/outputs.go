package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ffcache/media"
	"ffcache/subtitle"
	"ffcache/task"
)

var (
	ErrNoSubtitle   = errors.New("no subtitle stream selected")
	ErrInvalidName  = errors.New("invalid file name")
	ErrNotStoppable = errors.New("cannot stop job in state")
)

// Segment resolves a playlist or segment file of segmented output. key is a
// job key, or the cache entry name returned with a cache hit. While a job
// produces the output the call waits for the file; for finished output it
// must already exist.
func (o *Orchestrator) Segment(ctx context.Context, key, file string) (string, error) {
	seq, isSegment := media.ParseSegmentName(file)
	if file != filepath.Base(file) || strings.Contains(file, "..") || (!isSegment && file != media.PlaylistName) {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, file)
	}

	if job, ok := o.registry.Lookup(key); ok && job.Segmented {
		if !isSegment {
			f, err := o.waiter.WaitPlaylist(ctx, job.OutputPath, job.Done())
			if err != nil {
				return "", err
			}
			f.Close()
			return job.OutputPath, nil
		}
		return o.waiter.WaitSegment(ctx, job.OutputPath, seq, file, job)
	}

	dir, ok := o.cachedSegmentDir(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", task.ErrNotFound, key)
	}
	path := filepath.Join(dir, file)
	if _, ok := o.store.Exists(filepath.Base(dir)); !ok || !isFile(path) {
		return "", fmt.Errorf("%w: %s/%s", task.ErrNotFound, key, file)
	}
	return path, nil
}

// cachedSegmentDir maps a cache entry name, or the id of a full job that has
// since finished, to its segment directory.
func (o *Orchestrator) cachedSegmentDir(key string) (string, bool) {
	if a, ok := media.ParseArtifactName(key); ok {
		if !a.Segmented() {
			return "", false
		}
		return o.store.Path(key), true
	}
	if !media.IsJobID(key) {
		return "", false
	}
	entries, err := o.store.Entries()
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if a, ok := media.ParseArtifactName(e.Name); ok && a.JobID == key && a.SubKey == "" && a.Segmented() {
			return e.Path, true
		}
	}
	return "", false
}

// SubtitleFile produces the selected subtitle of req as a side-car file in
// the cache and returns its path. Embedded streams are extracted; external
// files are converted when their charset differs from the configured one.
func (o *Orchestrator) SubtitleFile(ctx context.Context, req media.RenditionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if o.checker != nil {
		if err := o.checker.Check(ctx, req.Source); err != nil {
			return "", err
		}
	}
	if len(req.Subtitles) == 0 && o.prober != nil {
		if probe, err := o.prober.Probe(ctx, req.Source); err == nil {
			req.Subtitles = probe.SubtitleStreams()
		}
	}
	sub, ok := subtitle.Select(req.Subtitles, req.SubtitleLanguages, req.SubtitleIndex)
	if !ok {
		return "", ErrNoSubtitle
	}

	target := o.cfg.SubtitleEncoding
	if sub.External && !subtitle.NeedsConversion(sub.Encoding, target) {
		return sub.Path, nil
	}

	name := media.SubtitleName(media.SubtitleID(req.Source, sub), sub.Language, subtitleExt(req, sub))
	o.subtitles.Lock()
	defer o.subtitles.Unlock()

	if path, ok := o.store.Exists(name); ok {
		if err := o.store.Touch(path); err != nil {
			return "", err
		}
		return path, nil
	}
	dst := o.store.Path(name)
	if sub.External {
		if err := subtitle.ConvertEncoding(sub.Path, dst, sub.Encoding, target); err != nil {
			return "", err
		}
		return dst, nil
	}
	if o.extractor == nil {
		return "", errors.New("subtitle extraction is not available")
	}
	if err := o.extractor.Extract(ctx, req.Source, sub.Index, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func subtitleExt(req media.RenditionRequest, sub media.SubtitleStream) string {
	if sub.External {
		if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(sub.Path)), "."); ext != "" {
			return ext
		}
	}
	switch c := strings.ToLower(req.Container); c {
	case "vtt", "srt", "ass":
		return c
	}
	return "srt"
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
