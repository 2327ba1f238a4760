package readiness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ffcache/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_IsBounded(t *testing.T) {
	w := New(5, 10*time.Millisecond)
	start := time.Now()
	err := w.Wait(context.Background(), t.TempDir(), func() (bool, error) { return false, nil }, nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, elapsed, w.Budget()+100*time.Millisecond)
}

func TestWait_CheckErrorStops(t *testing.T) {
	w := New(100, 10*time.Millisecond)
	boom := errors.New("boom")
	err := w.Wait(context.Background(), "", func() (bool, error) { return false, boom }, nil)
	assert.ErrorIs(t, err, boom)
}

func TestWait_AbortRunsFinalCheck(t *testing.T) {
	w := New(100, 50*time.Millisecond)
	abort := make(chan struct{})
	var mu sync.Mutex
	ready := false

	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		ready = true
		mu.Unlock()
		close(abort)
	}()

	err := w.Wait(context.Background(), "", func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return ready, nil
	}, abort)
	assert.NoError(t, err)
}

func TestWaitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")
	w := New(100, 20*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0o644)
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, []byte("data"), 0o644)
	}()

	f, err := w.WaitFile(context.Background(), path, nil)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestWaitFile_Timeout(t *testing.T) {
	w := New(3, 10*time.Millisecond)
	_, err := w.WaitFile(context.Background(), filepath.Join(t.TempDir(), "never.mp4"), nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestWaitPlaylist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, media.PlaylistName)
	require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n"), 0o644))

	w := New(100, 20*time.Millisecond)
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = os.WriteFile(path, []byte("#EXTM3U\n#EXTINF:10.0,\n00000.ts\n"), 0o644)
	}()

	f, err := w.WaitPlaylist(context.Background(), path, nil)
	require.NoError(t, err)
	f.Close()
}

type fakeStream struct {
	mu sync.Mutex
	rc io.ReadCloser
}

func (f *fakeStream) Stream() io.ReadCloser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rc
}

func TestWaitStream(t *testing.T) {
	src := &fakeStream{}
	w := New(50, 10*time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		src.mu.Lock()
		src.rc = io.NopCloser(strings.NewReader("live"))
		src.mu.Unlock()
	}()

	rc, err := w.WaitStream(context.Background(), src, nil)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "live", string(data))
}

type fakeProgress struct {
	last int
	done chan struct{}
}

func (f *fakeProgress) LastSegment() int      { return f.last }
func (f *fakeProgress) Done() <-chan struct{} { return f.done }

func TestWaitSegment(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, media.PlaylistName)
	require.NoError(t, os.WriteFile(filepath.Join(dir, media.SegmentName(3)), []byte("ts"), 0o644))
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n#EXTINF:10.0,\n00003.ts\n"), 0o644))
	w := New(5, 10*time.Millisecond)

	t.Run("listed segment is ready", func(t *testing.T) {
		job := &fakeProgress{last: 3, done: make(chan struct{})}
		path, err := w.WaitSegment(context.Background(), playlist, 3, media.SegmentName(3), job)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "00003.ts"), path)
	})

	t.Run("missing segment behind the producer", func(t *testing.T) {
		job := &fakeProgress{last: 3, done: make(chan struct{})}
		start := time.Now()
		_, err := w.WaitSegment(context.Background(), playlist, 1, media.SegmentName(1), job)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Less(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("too far ahead", func(t *testing.T) {
		job := &fakeProgress{last: 3, done: make(chan struct{})}
		_, err := w.WaitSegment(context.Background(), playlist, 9, media.SegmentName(9), job)
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestRewritePlaylist(t *testing.T) {
	in := "#EXTM3U\n#EXTINF:10.0,\n00000.ts\n#EXTINF:10.0,\nhttp://cdn/00001.ts\n"
	var out bytes.Buffer
	require.NoError(t, RewritePlaylist(strings.NewReader(in), &out, "http://host/api/v1/hls/abc/"))
	assert.Equal(t, "#EXTM3U\n#EXTINF:10.0,\nhttp://host/api/v1/hls/abc/00000.ts\n#EXTINF:10.0,\nhttp://cdn/00001.ts\n", out.String())

	out.Reset()
	require.NoError(t, RewritePlaylist(strings.NewReader(in), &out, ""))
	assert.Equal(t, in, out.String())
}
