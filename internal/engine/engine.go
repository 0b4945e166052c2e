// Package engine implements the announce/scrape state machine: request
// validation, invocation of the peer store, construction of response peer
// lists obeying numwant caps and IP-family rules, and event-specific
// accounting. It drives store.Store as a backend-agnostic interface and
// owns the connid.Service so both transports share one connection-id
// issuer.
package engine

import (
	"context"
	"net"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/connid"
	"github.com/kirelabs/beacontrack/internal/store"
)

// Config is the subset of the tracker's configuration catalog the engine
// needs to apply announce/scrape rules.
type Config struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	DefaultNumWant      int32
	MaxNumWant          int32
	AutoRegisterTorrent bool
	AllowFullScrape     bool
	MaxMultiScrapeCount int
}

// Engine is the tracker's core state machine, consuming a store.Store and a
// connid.Service so every transport (HTTP, UDP) drives the same logic.
type Engine struct {
	store  store.Store
	connID *connid.Service
	cfg    Config
	now    func() time.Time
}

// New builds an Engine over the given store and connection-id service.
func New(s store.Store, connID *connid.Service, cfg Config) *Engine {
	return &Engine{store: s, connID: connID, cfg: cfg, now: time.Now}
}

// Connect issues a fresh connection-id for clientIP (UDP connect handler).
func (e *Engine) Connect(clientIP net.IP) uint64 {
	return e.connID.Issue(clientIP)
}

// ValidateConnID reports whether id is currently valid for clientIP (UDP
// announce/scrape admission, ahead of the engine's own logic).
func (e *Engine) ValidateConnID(id uint64, clientIP net.IP) bool {
	return e.connID.Validate(id, clientIP)
}

func clampNumWant(requested int32, def, max int32) int {
	if requested < 0 {
		requested = def
	}
	if requested > max {
		requested = max
	}
	if requested < 0 {
		requested = 0
	}
	return int(requested)
}

// stateFor derives the peer's swarm role. A paused announce (BEP 21)
// marks a partial seed regardless of how much it has left; otherwise the
// role follows from the remaining byte count.
func stateFor(event bittorrent.AnnounceEvent, left uint64) bittorrent.PeerState {
	if event == bittorrent.EventPaused {
		return bittorrent.PartialSeed
	}
	if left == 0 {
		return bittorrent.Seeder
	}
	return bittorrent.Leecher
}

// Announce runs one announce through the state machine. req.Endpoint.IP
// must already be resolved (source address vs. an operator-approved
// override); the transports do this when they decode the request.
func (e *Engine) Announce(ctx context.Context, req bittorrent.AnnounceRequest) (bittorrent.AnnounceResponse, *bittorrent.Error) {
	numWant := clampNumWant(req.NumWant, e.cfg.DefaultNumWant, e.cfg.MaxNumWant)

	if !e.cfg.AutoRegisterTorrent && req.Event != bittorrent.EventStopped {
		known, err := e.torrentKnown(ctx, req.InfoHash)
		if err != nil {
			return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
		}
		if !known {
			return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindTorrentNotFound, nil)
		}
	}

	rec := bittorrent.PeerRecord{
		ID:       req.PeerID,
		Endpoint: req.Endpoint,
		Left:     req.Left,
		State:    stateFor(req.Event, req.Left),
		Key:      req.Key,
		LastSeen: e.now(),
	}

	outcome, err := e.store.UpsertPeer(ctx, req.InfoHash, rec, req.Event)
	if err != nil {
		return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
	}

	// Event accounting lives here, not in the backends: a completed event
	// bumps the snatch counter only when it marks a known leecher turning
	// seeder, never when a fresh peer's first announce happens to claim
	// completion.
	if req.Event == bittorrent.EventCompleted && outcome.Existed && !outcome.WasSeeder {
		if err := e.store.IncrementCompleted(ctx, req.InfoHash); err != nil {
			return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
		}
	}

	resp := bittorrent.AnnounceResponse{
		Interval:    e.cfg.AnnounceInterval,
		MinInterval: e.cfg.MinAnnounceInterval,
	}

	if req.Event == bittorrent.EventStopped {
		return resp, nil
	}

	requesterIsSeeder := rec.IsSeeder()
	for _, fam := range req.Families {
		peers, err := e.store.GetPeers(ctx, req.InfoHash, numWant, fam, req.PeerID, requesterIsSeeder)
		if err != nil {
			return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
		}
		if fam == bittorrent.IPv6 {
			resp.IPv6Peers = peers
		} else {
			resp.IPv4Peers = peers
		}
	}

	stats, err := e.store.GetStats(ctx, []bittorrent.InfoHash{req.InfoHash})
	if err != nil {
		return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
	}
	if s, ok := stats[req.InfoHash]; ok {
		resp.Complete = s.Complete
		resp.Incomplete = s.Incomplete
	}
	return resp, nil
}

// Register idempotently creates a torrent with no peers, so it can be found
// even before its first announce. Used by the admin API
// (internal/httpserver) to pre-seed torrents when auto_register_torrent is
// disabled.
func (e *Engine) Register(ctx context.Context, hash bittorrent.InfoHash) error {
	return e.store.Register(ctx, hash)
}

// Stats returns the per-torrent triple for hash, or ok=false if the store
// doesn't know it. Used by the admin API to answer GET /api/torrents/:hash.
func (e *Engine) Stats(ctx context.Context, hash bittorrent.InfoHash) (bittorrent.TorrentStats, bool, error) {
	stats, err := e.store.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		return bittorrent.TorrentStats{}, false, err
	}
	s, ok := stats[hash]
	return s, ok, nil
}

// torrentKnown reports whether the store already holds the torrent, used to
// enforce TorrentNotFound when auto_register_torrent is disabled.
func (e *Engine) torrentKnown(ctx context.Context, hash bittorrent.InfoHash) (bool, error) {
	stats, err := e.store.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		return false, err
	}
	_, ok := stats[hash]
	return ok, nil
}

// Scrape runs a multi-scrape: look up each requested infohash, omitting
// unknown ones. A request with no infohashes is a full scrape,
// handled by the caller via the scrapecache (the engine itself has no
// caching; FullScrape below is the uncached store walk the cache wraps).
func (e *Engine) Scrape(ctx context.Context, req bittorrent.ScrapeRequest) (bittorrent.ScrapeResponse, *bittorrent.Error) {
	if len(req.InfoHashes) == 0 {
		if !e.cfg.AllowFullScrape {
			return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindFullScrapeDisabled, nil)
		}
		return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindInternal, errFullScrapeNotHandledHere)
	}
	if len(req.InfoHashes) > e.cfg.MaxMultiScrapeCount {
		return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindInvalidRequest, nil)
	}

	stats, err := e.store.GetStats(ctx, req.InfoHashes)
	if err != nil {
		return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
	}
	return bittorrent.ScrapeResponse{Files: stats}, nil
}

// FullScrape performs the uncached store walk behind the full-scrape cache
// (internal/scrapecache). Exported so the cache package's refresh function
// can call it without importing internal/store directly.
func (e *Engine) FullScrape(ctx context.Context) (bittorrent.ScrapeResponse, error) {
	files := make(map[bittorrent.InfoHash]bittorrent.TorrentStats)
	err := e.store.FullScrape(ctx, func(hash bittorrent.InfoHash, stats bittorrent.TorrentStats) bool {
		files[hash] = stats
		return true
	})
	if err != nil {
		return bittorrent.ScrapeResponse{}, err
	}
	return bittorrent.ScrapeResponse{Files: files}, nil
}

// AllowFullScrape reports the engine's configured full-scrape policy.
func (e *Engine) AllowFullScrape() bool {
	return e.cfg.AllowFullScrape
}

var errFullScrapeNotHandledHere = fullScrapeSentinel{}

type fullScrapeSentinel struct{}

func (fullScrapeSentinel) Error() string {
	return "full scrape requests are served by internal/scrapecache, not engine.Scrape"
}
