package ffmpeg

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"ffcache/task"
)

const tailLines = 40

// progressWriter consumes transcoder stderr. Lines from -progress output
// advance the job's produced position; everything else is kept as a
// bounded console tail.
type progressWriter struct {
	job *task.Job

	mu      sync.Mutex
	partial []byte
	tail    []string
	lastErr string
}

func newProgressWriter(job *task.Job) *progressWriter {
	return &progressWriter{job: job}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
		w.handleLine(line)
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	if line == "" {
		return
	}
	key, value, ok := strings.Cut(line, "=")
	if ok && !strings.ContainsAny(key, " \t") {
		switch key {
		case "out_time":
			if secs, ok := parseClock(value); ok {
				w.job.SetProduced(w.job.Start + secs)
			}
		case "out_time_us", "out_time_ms":
			// out_time_ms is microseconds as well
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				w.job.SetProduced(w.job.Start + float64(us)/1e6)
			}
		}
		return
	}

	w.lastErr = line
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}

// Tail returns the recent non-progress output.
func (w *progressWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}

// LastError returns the last non-progress line.
func (w *progressWriter) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// parseClock parses HH:MM:SS.micro. Negative values, which appear before the
// first frame, are rejected.
func parseClock(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || s == "N/A" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(h*3600+m*60) + sec, true
}
