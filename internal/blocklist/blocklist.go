// Package blocklist holds the in-memory infohash blocklist set consumed by
// internal/dispatch: an infohash present in the blocklist fails an
// announce/scrape with Blocked before the store is ever touched. The
// current set sits behind an atomic pointer so readers never block on a
// reload, and an optional background watcher keeps it fresh from a
// newline-delimited hex-infohash file on disk.
package blocklist

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

// DefaultRefreshInterval is how often Watch checks the blocklist file's
// mtime when the caller doesn't configure one.
const DefaultRefreshInterval = 5 * time.Minute

// Set is a point-in-time snapshot of blocked infohashes.
type Set struct {
	hashes map[bittorrent.InfoHash]struct{}
}

// Blocked reports whether hash is in the blocklist.
func (s *Set) Blocked(hash bittorrent.InfoHash) bool {
	if s == nil {
		return false
	}
	_, ok := s.hashes[hash]
	return ok
}

// Len reports how many hashes the set holds.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hashes)
}

// Load parses a newline-delimited file of 40-char hex infohashes. Empty
// lines and lines starting with "#" are ignored. Malformed lines are
// skipped rather than failing the whole load.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hashes := make(map[bittorrent.InfoHash]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hash, ok := bittorrent.InfoHashFromHex(line)
		if !ok {
			continue
		}
		hashes[hash] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Set{hashes: hashes}, nil
}

// Manager holds the current blocklist behind an atomic pointer and
// optionally keeps it fresh from disk.
type Manager struct {
	current atomic.Pointer[Set]
}

// NewManager builds a Manager with an empty (pass-everything) blocklist.
func NewManager() *Manager {
	m := &Manager{}
	m.current.Store(&Set{})
	return m
}

// Current returns the manager's current snapshot.
func (m *Manager) Current() *Set {
	return m.current.Load()
}

// Blocked reports whether hash is currently blocked. A nil Manager (no
// blocklist configured) never blocks anything.
func (m *Manager) Blocked(hash bittorrent.InfoHash) bool {
	if m == nil {
		return false
	}
	return m.current.Load().Blocked(hash)
}

// Watch loads path immediately and then reloads it every interval
// (DefaultRefreshInterval if interval <= 0) whenever its mtime changes,
// until ctx is cancelled. Load failures leave the previous snapshot in
// place rather than blocking everything (fail-open on reload errors,
// fail-closed-to-empty only on the very first load's own error, which the
// caller must check).
func (m *Manager) Watch(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	set, err := Load(path)
	if err != nil {
		return err
	}
	m.current.Store(set)

	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					continue
				}
				if fi.ModTime().Equal(lastMod) {
					continue
				}
				if set, err := Load(path); err == nil {
					m.current.Store(set)
					lastMod = fi.ModTime()
				}
			}
		}
	}()
	return nil
}
