package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"ffcache/task"
)

const followInterval = 200 * time.Millisecond

// followReader reads a file that a running job is still writing. At end of
// file it waits for more data until the job has finished.
type followReader struct {
	ctx      context.Context
	r        io.Reader
	job      *task.Job
	interval time.Duration
}

func newFollowReader(ctx context.Context, r io.Reader, job *task.Job, interval time.Duration) io.Reader {
	return &followReader{ctx: ctx, r: r, job: job, interval: interval}
}

func (f *followReader) Read(p []byte) (int, error) {
	for {
		n, err := f.r.Read(p)
		if n > 0 || !errors.Is(err, io.EOF) {
			return n, err
		}
		select {
		case <-f.job.Done():
			// one more read picks up what was flushed before exit
			n, err = f.r.Read(p)
			if n > 0 {
				return n, nil
			}
			if f.job.Status() != task.StatusCompleted {
				if jobErr := f.job.Err(); jobErr != nil {
					return 0, jobErr
				}
			}
			return 0, err
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case <-time.After(f.interval):
		}
	}
}

// copyFlush copies r to w, flushing after each chunk so clients see
// progress while the output grows.
func copyFlush(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
