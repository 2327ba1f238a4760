package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrSourceNotFound = errors.New("source not found")

// SourceChecker verifies that a source exists before any job is created.
type SourceChecker struct {
	client *resty.Client
}

func NewSourceChecker(timeout time.Duration) *SourceChecker {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond)
	return &SourceChecker{client: client}
}

// Check stats local paths and issues a HEAD request for http(s) sources.
// Other network schemes (rtsp, udp, ...) cannot be checked cheaply and pass.
func (c *SourceChecker) Check(ctx context.Context, source string) error {
	switch {
	case IsHTTP(source):
		resp, err := c.client.R().SetContext(ctx).Head(source)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSourceNotFound, source, err)
		}
		// Some servers refuse HEAD; anything but a 404/410 is treated as present.
		if code := resp.StatusCode(); code == http.StatusNotFound || code == http.StatusGone {
			return fmt.Errorf("%w: %s: %s", ErrSourceNotFound, source, resp.Status())
		}
		return nil
	case IsNetwork(source):
		return nil
	default:
		info, err := os.Stat(source)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, source)
		}
		return nil
	}
}

func IsHTTP(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// IsNetwork reports whether source has a URL scheme.
func IsNetwork(source string) bool {
	i := strings.Index(source, "://")
	return i > 1
}
