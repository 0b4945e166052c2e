// Package store defines the pluggable peer-store contract shared by the
// sharded in-memory backend (internal/store/memstore) and the Redis backend
// (internal/store/redisstore). Every operation acts on exactly one torrent;
// there are no cross-torrent transactions.
package store

import (
	"context"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

// UpsertOutcome reports what UpsertPeer found in the swarm before applying
// the new announce. The engine inspects Existed/WasSeeder to decide whether
// a "completed" event marks a leecher-to-seeder transition worth an
// IncrementCompleted call; the backends themselves do no event accounting.
type UpsertOutcome struct {
	Existed     bool
	WasSeeder   bool
	NewSeeders  int
	NewLeechers int
}

// Store is the peer-store contract of the tracker's core: insert/update/
// remove of a (torrent, peer) entry, sampled peer retrieval, per-torrent
// stat counts, bulk stat lookup for scrape, idle-peer expiry, and optional
// auto-registration of unknown torrents.
type Store interface {
	// UpsertPeer applies one announce event to a torrent's swarm. A
	// Stopped event removes the peer instead of upserting it and never
	// returns peers; the caller (engine) skips GetPeers on Stopped.
	UpsertPeer(ctx context.Context, hash bittorrent.InfoHash, rec bittorrent.PeerRecord, event bittorrent.AnnounceEvent) (UpsertOutcome, error)

	// IncrementCompleted bumps the torrent's completed (snatch) counter
	// by one. The engine calls it when UpsertPeer's outcome shows a
	// completed event turned a known leecher into a seeder; the counter
	// is monotonically non-decreasing. A no-op on an unknown torrent.
	IncrementCompleted(ctx context.Context, hash bittorrent.InfoHash) error

	// GetPeers returns up to numWant peers, randomly sampled, excluding
	// exclude. requesterIsSeeder controls the visibility rule: a leecher
	// sees seeders, leechers and partial-seeds; a seeder sees only
	// leechers.
	GetPeers(ctx context.Context, hash bittorrent.InfoHash, numWant int, family bittorrent.IPFamily, exclude bittorrent.PeerID, requesterIsSeeder bool) ([]bittorrent.PeerEndpoint, error)

	// GetStats returns the per-torrent (complete, incomplete, downloaded)
	// triple for each of hashes; unknown torrents are omitted from the
	// result map.
	GetStats(ctx context.Context, hashes []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.TorrentStats, error)

	// FullScrape iterates every known torrent's stats, shard by shard
	// (backend-dependent), calling yield for each. Iteration stops early
	// if yield returns false. Callers are expected to cache the result;
	// this is potentially expensive.
	FullScrape(ctx context.Context, yield func(bittorrent.InfoHash, bittorrent.TorrentStats) bool) error

	// Expire evicts peers whose last-seen is older than now minus the
	// configured idle timeout. Returns the number of peers evicted.
	Expire(ctx context.Context, now time.Time) (int, error)

	// Register idempotently creates a torrent with no peers, so it can be
	// found even before its first announce (used by the admin API and by
	// auto_register_torrent=false deployments that pre-seed torrents).
	Register(ctx context.Context, hash bittorrent.InfoHash) error
}

// ErrTorrentNotFound reports an infohash the store does not hold. GetPeers
// does not return it: in both backends an unknown torrent yields an empty
// peer list and a nil error. The engine detects unknown torrents itself and
// reports them as bittorrent.KindTorrentNotFound.
var ErrTorrentNotFound = torrentNotFoundError{}

type torrentNotFoundError struct{}

func (torrentNotFoundError) Error() string { return "torrent not found" }
