package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"ffcache/logger"

	"github.com/dustin/go-humanize"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned    int   `json:"scanned"`
	Skipped    int   `json:"skipped"`
	Empty      int   `json:"empty"`
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	Errors     int   `json:"errors"`
	FreedBytes int64 `json:"freedBytes"`
	TotalBytes int64 `json:"totalBytes"`
}

// Sweep runs one eviction pass. Paths in owned belong to registered jobs and
// are never deleted; they still count toward the total size. Only one sweep
// runs at a time, across processes sharing the cache root too. Per-entry
// failures are logged and counted, never returned.
func (s *Store) Sweep(ctx context.Context, owned []string) (SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	locked, err := s.lock.TryLock()
	if err != nil {
		return SweepResult{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		return SweepResult{}, ErrSweepBusy
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			logger.Warnf("Releasing cache sweep lock: %v", err)
		}
	}()

	entries, err := s.Entries()
	if err != nil {
		return SweepResult{}, err
	}

	excluded := make(map[string]struct{}, len(owned))
	for _, p := range owned {
		excluded[filepath.Clean(p)] = struct{}{}
	}

	var res SweepResult
	byRecency := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		if _, inUse := excluded[filepath.Clean(e.Path)]; inUse {
			res.Skipped++
			res.TotalBytes += e.Size
			continue
		}
		if e.Size == 0 {
			if err := s.Remove(e.Path); err != nil {
				logger.Warnf("Cache sweep: %v", err)
				res.Errors++
			} else {
				res.Empty++
			}
			continue
		}
		res.TotalBytes += e.Size

		key := e.ModTime.UnixNano()
		for {
			if _, taken := byRecency[key]; !taken {
				break
			}
			key++
		}
		byRecency[key] = e
	}

	keys := make([]int64, 0, len(byRecency))
	for k := range byRecency {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })

	if s.maxAge > 0 {
		now := s.now()
		for tries := 0; tries < maxTries && len(keys) > 0; tries++ {
			oldest := byRecency[keys[0]]
			if now.Sub(oldest.ModTime) <= s.maxAge {
				break
			}
			keys = keys[1:]
			if s.evict(oldest, &res) {
				res.Expired++
			}
		}
	}

	if s.maxBytes > 0 {
		for tries := 0; tries < maxTries && len(keys) > 0 && res.TotalBytes > s.maxBytes; tries++ {
			oldest := byRecency[keys[0]]
			keys = keys[1:]
			if s.evict(oldest, &res) {
				res.Evicted++
			}
		}
	}

	if res.Empty+res.Expired+res.Evicted > 0 {
		logger.Infof("Cache sweep removed %d entries, freed %s, %s in use",
			res.Empty+res.Expired+res.Evicted, humanize.IBytes(uint64(res.FreedBytes)), humanize.IBytes(uint64(res.TotalBytes)))
	}
	return res, nil
}

// evict drops e from the running total before deleting it, so an entry that
// cannot be removed does not push the size pass into evicting others.
func (s *Store) evict(e Entry, res *SweepResult) bool {
	res.TotalBytes -= e.Size
	if err := s.Remove(e.Path); err != nil {
		logger.Warnf("Cache sweep: %v", err)
		res.Errors++
		return false
	}
	res.FreedBytes += e.Size
	logger.Debugf("Cache sweep evicted %s (%s)", e.Name, humanize.IBytes(uint64(e.Size)))
	return true
}
