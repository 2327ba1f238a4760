package readiness

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxLookahead is how far past the produced segment a reader may wait.
const maxLookahead = 2

// SegmentProgress is the view of a running segmented job the waiter needs.
type SegmentProgress interface {
	LastSegment() int
	Done() <-chan struct{}
}

// WaitSegment waits for segment seq of a running job to be written and
// listed in its playlist. It gives up early when the reader seeks behind
// the produced window to a segment that does not exist, or more than two
// segments ahead of it.
func (w *Waiter) WaitSegment(ctx context.Context, playlist string, seq int, segmentName string, job SegmentProgress) (string, error) {
	segment := filepath.Join(filepath.Dir(playlist), segmentName)
	check := func() (bool, error) {
		_, statErr := os.Stat(segment)
		current := job.LastSegment()
		if statErr != nil && current > seq {
			return false, fmt.Errorf("%w: segment %d is behind produced segment %d", ErrNotReady, seq, current)
		}
		if seq-current > maxLookahead {
			return false, fmt.Errorf("%w: segment %d is too far ahead of produced segment %d", ErrNotReady, seq, current)
		}
		return statErr == nil && Lists(playlist, segmentName), nil
	}
	if err := w.Wait(ctx, filepath.Dir(playlist), check, job.Done()); err != nil {
		return "", err
	}
	return segment, nil
}

// RewritePlaylist copies an m3u8 playlist, prefixing every relative media
// URI with baseURL.
func RewritePlaylist(r io.Reader, w io.Writer, baseURL string) error {
	base := strings.TrimSuffix(baseURL, "/") + "/"
	scanner := bufio.NewScanner(r)
	bw := bufio.NewWriter(w)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if baseURL != "" && trimmed != "" && !strings.HasPrefix(trimmed, "#") && !strings.Contains(trimmed, "://") {
			line = base + strings.TrimPrefix(trimmed, "/")
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return bw.Flush()
}
