// Package dispatch is the façade both transports call through: it converts
// decoded HTTP/UDP requests into engine calls, enforcing per-transport
// admission, the blocklist, a system-wide concurrency cap and a per-request
// timeout before anything reaches internal/engine.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/blocklist"
	"github.com/kirelabs/beacontrack/internal/engine"
	"github.com/kirelabs/beacontrack/internal/scrapecache"
)

// Transport identifies which wire protocol a request arrived on, so the
// façade can apply the matching allow_* admission flag.
type Transport uint8

const (
	HTTP Transport = iota
	UDP
)

// Config governs admission and resource ceilings rather than
// announce/scrape semantics (those live in engine.Config).
type Config struct {
	AllowHTTPAnnounce     bool
	AllowHTTPScrape       bool
	AllowUDPAnnounce      bool
	AllowUDPScrape        bool
	AllowFullScrape       bool
	RequestTimeout        time.Duration
	MaxConcurrentRequests int64
}

// Facade wraps engine.Engine with transport admission, blocklist checks,
// the concurrency cap and the per-request timeout. The zero value is not
// usable; construct with New.
type Facade struct {
	engine    *engine.Engine
	blocklist *blocklist.Manager
	cache     *scrapecache.Cache
	sem       *semaphore.Weighted
	cfg       Config
}

// New builds a Facade. blocklistMgr and cache may be nil: a nil blocklist
// never blocks anything, and a nil cache makes every full-scrape request
// fail with FullScrapeDisabled regardless of cfg.AllowFullScrape (the
// caller must supply a cache to actually serve full scrapes).
func New(e *engine.Engine, blocklistMgr *blocklist.Manager, cache *scrapecache.Cache, cfg Config) *Facade {
	weight := cfg.MaxConcurrentRequests
	if weight <= 0 {
		weight = 1
	}
	return &Facade{
		engine:    e,
		blocklist: blocklistMgr,
		cache:     cache,
		sem:       semaphore.NewWeighted(weight),
		cfg:       cfg,
	}
}

func (f *Facade) allowAnnounce(t Transport) bool {
	if t == UDP {
		return f.cfg.AllowUDPAnnounce
	}
	return f.cfg.AllowHTTPAnnounce
}

func (f *Facade) allowScrape(t Transport) bool {
	if t == UDP {
		return f.cfg.AllowUDPScrape
	}
	return f.cfg.AllowHTTPScrape
}

// acquire enforces the concurrency cap with a single counter gating all
// requests: it tries to take a slot immediately, rejecting with Overloaded
// rather than queuing indefinitely.
func (f *Facade) acquire() (*bittorrent.Error, func()) {
	if !f.sem.TryAcquire(1) {
		return bittorrent.NewRetryableError(bittorrent.KindOverloaded, overloadedRetrySeconds, nil), nil
	}
	return nil, func() { f.sem.Release(1) }
}

const overloadedRetrySeconds = 5

// withTimeout applies the façade's request_timeout, returning a cancel
// func the caller must defer.
func (f *Facade) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.cfg.RequestTimeout)
}

func asTimeout(err *bittorrent.Error, ctx context.Context) *bittorrent.Error {
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		return bittorrent.NewRetryableError(bittorrent.KindTimeout, 0, ctx.Err())
	}
	return err
}

// Announce runs one announce through the façade's admission chain, then
// engine.Engine.Announce.
func (f *Facade) Announce(ctx context.Context, transport Transport, req bittorrent.AnnounceRequest) (bittorrent.AnnounceResponse, *bittorrent.Error) {
	if !f.allowAnnounce(transport) {
		return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindTransportDisabled, nil)
	}
	if f.blocklist.Blocked(req.InfoHash) {
		return bittorrent.AnnounceResponse{}, bittorrent.NewError(bittorrent.KindBlocked, nil)
	}

	errAcquire, release := f.acquire()
	if errAcquire != nil {
		return bittorrent.AnnounceResponse{}, errAcquire
	}
	defer release()

	tctx, cancel := f.withTimeout(ctx)
	defer cancel()

	resp, err := f.engine.Announce(tctx, req)
	return resp, asTimeout(err, tctx)
}

// Scrape runs one multi-scrape request through the façade's admission
// chain. A request with no info_hashes is a full-scrape, served from the
// façade's scrapecache.Cache rather than engine.Engine.Scrape.
func (f *Facade) Scrape(ctx context.Context, transport Transport, req bittorrent.ScrapeRequest) (bittorrent.ScrapeResponse, *bittorrent.Error) {
	if !f.allowScrape(transport) {
		return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindTransportDisabled, nil)
	}
	for _, h := range req.InfoHashes {
		if f.blocklist.Blocked(h) {
			return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindBlocked, nil)
		}
	}

	errAcquire, release := f.acquire()
	if errAcquire != nil {
		return bittorrent.ScrapeResponse{}, errAcquire
	}
	defer release()

	tctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if len(req.InfoHashes) == 0 {
		if !f.cfg.AllowFullScrape || f.cache == nil {
			return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindFullScrapeDisabled, nil)
		}
		resp, err := f.cache.Get(tctx)
		if err != nil {
			if tctx.Err() == context.DeadlineExceeded {
				return bittorrent.ScrapeResponse{}, bittorrent.NewRetryableError(bittorrent.KindTimeout, 0, err)
			}
			return bittorrent.ScrapeResponse{}, bittorrent.NewError(bittorrent.KindStorageUnavailable, err)
		}
		return resp, nil
	}

	resp, err := f.engine.Scrape(tctx, req)
	return resp, asTimeout(err, tctx)
}
