package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SubtitleExtractor pulls an embedded subtitle stream into a side-car file.
type SubtitleExtractor struct {
	Bin     string
	Timeout time.Duration
	RunAs   RunAs
}

// Extract writes stream index of source to dst. The output format follows
// the extension of dst. A partial file is never left behind.
func (e *SubtitleExtractor) Extract(ctx context.Context, source string, index int, dst string) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	tmp := filepath.Join(filepath.Dir(dst), ".extract-"+filepath.Base(dst))
	format := subtitleFormatForFile(dst)
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", source, "-map", "0:" + strconv.Itoa(index), "-c:s", format, "-f", format, tmp}

	cmd := exec.CommandContext(ctx, e.Bin, args...)
	if e.RunAs != nil {
		if err := e.RunAs.Prepare(cmd); err != nil {
			return fmt.Errorf("subtitle extraction: %w", err)
		}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return fmt.Errorf("subtitle extraction timed out: %w", ctx.Err())
		}
		return fmt.Errorf("subtitle extraction failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if info, err := os.Stat(tmp); err != nil || info.Size() == 0 {
		os.Remove(tmp)
		return fmt.Errorf("subtitle extraction produced no output for stream %d", index)
	}
	return os.Rename(tmp, dst)
}

func subtitleFormatForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vtt":
		return "webvtt"
	case ".ass", ".ssa":
		return "ass"
	default:
		return "srt"
	}
}
