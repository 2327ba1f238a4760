package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ffcache/cache"
	"ffcache/config"
	"ffcache/ffmpeg"
	"ffcache/logger"
	"ffcache/media"
	"ffcache/orchestrator"
	"ffcache/readiness"
	"ffcache/task"

	"github.com/gin-gonic/gin"
)

// Service is what the HTTP surface needs from the orchestrator.
type Service interface {
	Transcode(ctx context.Context, req media.RenditionRequest, waitForBuffer bool) (*orchestrator.Handle, error)
	Segment(ctx context.Context, key, file string) (string, error)
	SubtitleFile(ctx context.Context, req media.RenditionRequest) (string, error)
	Stop(key string) error
	Jobs() []task.Info
	Job(key string) (task.Info, error)
	Sweep(ctx context.Context) (cache.SweepResult, error)
	Stats() (cache.Stats, error)
}

type Handler struct {
	svc Service
	cfg *config.Config
}

func NewHandler(svc Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, cfg: cfg}
}

// RenditionResponse describes where a started rendition can be fetched.
type RenditionResponse struct {
	Key       string     `json:"key,omitempty"`
	FromCache bool       `json:"fromCache,omitempty"`
	Reused    bool       `json:"reused,omitempty"`
	Direct    bool       `json:"direct,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
	Playlist  string     `json:"playlist,omitempty"`
	Job       *task.Info `json:"job,omitempty"`
}

// handleCreateRendition starts or attaches to a rendition without waiting for output.
func (h *Handler) handleCreateRendition(c *gin.Context) {
	var req media.RenditionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Live {
		c.JSON(http.StatusBadRequest, gin.H{"error": "live renditions are only available on /renditions/stream"})
		return
	}

	handle, err := h.svc.Transcode(c.Request.Context(), req, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer handle.Close()

	resp := RenditionResponse{
		Key:       handle.Key,
		FromCache: handle.FromCache,
		Reused:    handle.Reused,
		Direct:    handle.Direct,
		Partial:   handle.Partial(),
	}
	if req.Segmented && handle.Key != "" {
		resp.Playlist = h.url(c, "/api/v1/hls/"+handle.Key+"/"+media.PlaylistName)
	}
	status := http.StatusOK
	if handle.Job != nil {
		info := handle.Job.Info()
		resp.Job = &info
		if !handle.Reused {
			status = http.StatusAccepted
		}
	}
	c.JSON(status, resp)
}

// handleStreamRendition starts a rendition and streams it as soon as it is readable.
func (h *Handler) handleStreamRendition(c *gin.Context) {
	var req media.RenditionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.svc.Transcode(c.Request.Context(), req, true)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer handle.Close()

	if handle.Direct && handle.Reader == nil {
		c.Redirect(http.StatusTemporaryRedirect, handle.Path)
		return
	}
	if !handle.Ready() {
		c.Header("Retry-After", "1")
		resp := gin.H{"error": "Output not ready yet", "key": handle.Key}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if req.Segmented {
		h.writePlaylist(c, handle.Key, handle.Reader)
		return
	}

	c.Header("Content-Type", contentType(handle.Path, req))
	c.Header("X-Rendition-Key", handle.Key)
	if handle.Offset > 0 {
		c.Header("X-Start-Offset", strconv.FormatInt(handle.Offset, 10))
	}
	c.Status(http.StatusOK)

	var body io.Reader = handle.Reader
	if handle.Job != nil && !handle.Live() {
		body = newFollowReader(c.Request.Context(), handle.Reader, handle.Job, followInterval)
	}
	if _, err := copyFlush(c.Writer, body); err != nil {
		logger.Debugf("Streaming %s ended: %v", handle.Key, err)
	}
}

func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Jobs())
}

func (h *Handler) handleGetJob(c *gin.Context) {
	info, err := h.svc.Job(c.Param("key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	if err := h.svc.Stop(c.Param("key")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

// handleSegment serves the playlist or a segment of segmented output.
func (h *Handler) handleSegment(c *gin.Context) {
	key, file := c.Param("key"), c.Param("file")
	path, err := h.svc.Segment(c.Request.Context(), key, file)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	if file == media.PlaylistName {
		f, err := os.Open(path)
		if err != nil {
			h.writeError(c, err)
			return
		}
		defer f.Close()
		h.writePlaylist(c, key, f)
		return
	}
	c.Header("Content-Type", "video/mp2t")
	c.File(path)
}

func (h *Handler) handleSubtitle(c *gin.Context) {
	var req media.RenditionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = media.KindVideo
	}
	path, err := h.svc.SubtitleFile(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (h *Handler) handleCacheStats(c *gin.Context) {
	stats, err := h.svc.Stats()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if c.Query("items") != "true" {
		stats.Items = nil
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleCacheSweep(c *gin.Context) {
	res, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writePlaylist(c *gin.Context, key string, r io.Reader) {
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Status(http.StatusOK)
	base := ""
	if h.cfg.BaseURL != "" {
		base = h.url(c, "/api/v1/hls/"+key)
	}
	if err := readiness.RewritePlaylist(r, c.Writer, base); err != nil {
		logger.Warnf("Writing playlist for %s: %v", key, err)
	}
}

// url builds an absolute URL from BASE, or from the request host.
func (h *Handler) url(c *gin.Context, path string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + path
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, media.ErrSourceNotFound), errors.Is(err, orchestrator.ErrNoSubtitle):
		status = http.StatusNotFound
	case errors.Is(err, readiness.ErrNotReady):
		c.Header("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, cache.ErrSweepBusy):
		status = http.StatusConflict
	case errors.Is(err, ffmpeg.ErrLaunchFailure):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	case errors.Is(err, media.ErrInvalidRequest), errors.Is(err, orchestrator.ErrInvalidName), errors.Is(err, orchestrator.ErrNotStoppable):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".m4a":  "audio/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

func contentType(path string, req media.RenditionRequest) string {
	if req.Live {
		return "video/mp2t"
	}
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/health" || status >= 400 {
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, time.Since(start))
		}
	}
}
