package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ffcache/media"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	lockFileName = ".sweep.lock"
	maxTries     = 10
)

var ErrSweepBusy = errors.New("cache sweep already running in another process")

type Options struct {
	Root     string
	MaxBytes int64         // zero disables the size pass
	MaxAge   time.Duration // zero disables the age pass
	Now      func() time.Time
}

// Store is the on-disk cache of finished renditions. Entries are flat files
// or segment directories named by media.ArtifactName.
type Store struct {
	root      string
	maxBytes  int64
	maxAge    time.Duration
	now       func() time.Time
	removeAll func(string) error

	sweepMu sync.Mutex
	lock    *flock.Flock
}

func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("cache root is empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root:      root,
		maxBytes:  opts.MaxBytes,
		maxAge:    opts.MaxAge,
		now:       now,
		removeAll: os.RemoveAll,
		lock:      flock.New(filepath.Join(root, lockFileName)),
	}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the location of a cache entry name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

// Exists reports whether name holds a finished, non-empty artifact. For a
// segment directory the playlist must exist and be non-empty.
func (s *Store) Exists(name string) (string, bool) {
	path := s.Path(name)
	info, err := os.Stat(path)
	if err != nil {
		return path, false
	}
	if info.IsDir() {
		pl, err := os.Stat(filepath.Join(path, media.PlaylistName))
		return path, err == nil && pl.Size() > 0
	}
	return path, info.Size() > 0
}

// Touch refreshes the recency of path without changing its content.
func (s *Store) Touch(path string) error {
	now := s.now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("touch %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Remove deletes a file or a segment directory. Missing paths are not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := s.removeAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Entry is one cached artifact.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	JobID   string    `json:"jobId"`
	Dir     bool      `json:"dir,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Entries lists artifacts in the cache root, least recently used first.
func (s *Store) Entries() ([]Entry, error) {
	items, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}
	var entries []Entry
	for _, item := range items {
		art, ok := media.ParseArtifactName(item.Name())
		if !ok {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		if info.IsDir() != art.Segmented() {
			continue
		}
		path := filepath.Join(s.root, item.Name())
		size := info.Size()
		if info.IsDir() {
			size = dirSize(path)
		}
		entries = append(entries, Entry{
			Name:    item.Name(),
			Path:    path,
			JobID:   art.JobID,
			Dir:     info.IsDir(),
			Size:    size,
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].ModTime.Before(entries[b].ModTime) })
	return entries, nil
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Stats summarises cache usage and the free space on its volume.
type Stats struct {
	Root       string  `json:"root"`
	Entries    int     `json:"entries"`
	TotalBytes int64   `json:"totalBytes"`
	MaxBytes   int64   `json:"maxBytes"`
	MaxAgeDays int     `json:"maxAgeDays"`
	FreeBytes  uint64  `json:"freeBytes"`
	FreeRatio  float64 `json:"freeRatio"`
	Items      []Entry `json:"items,omitempty"`
}

func (s *Store) Stats() (Stats, error) {
	entries, err := s.Entries()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Root:       s.root,
		Entries:    len(entries),
		MaxBytes:   s.maxBytes,
		MaxAgeDays: int(s.maxAge / (24 * time.Hour)),
		Items:      entries,
	}
	for _, e := range entries {
		st.TotalBytes += e.Size
	}
	if usage, err := disk.Usage(s.root); err == nil {
		st.FreeBytes = usage.Free
		if usage.Total > 0 {
			st.FreeRatio = float64(usage.Free) / float64(usage.Total)
		}
	}
	return st, nil
}
