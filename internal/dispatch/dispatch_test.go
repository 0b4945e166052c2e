package dispatch

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/blocklist"
	"github.com/kirelabs/beacontrack/internal/connid"
	"github.com/kirelabs/beacontrack/internal/engine"
	"github.com/kirelabs/beacontrack/internal/scrapecache"
	"github.com/kirelabs/beacontrack/internal/store/memstore"
)

func newTestFacade(t *testing.T, cfg Config) *Facade {
	t.Helper()
	connSvc, err := connid.New("test-secret")
	if err != nil {
		t.Fatalf("connid.New: %v", err)
	}
	e := engine.New(memstore.New(4, time.Hour), connSvc, engine.Config{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 15 * time.Minute,
		DefaultNumWant:      50,
		MaxNumWant:          200,
		AutoRegisterTorrent: true,
		AllowFullScrape:     true,
		MaxMultiScrapeCount: 64,
	})
	cache := scrapecache.New(time.Minute, e.FullScrape)
	return New(e, blocklist.NewManager(), cache, cfg)
}

func announceReq(hash bittorrent.InfoHash) bittorrent.AnnounceRequest {
	return bittorrent.AnnounceRequest{
		InfoHash: hash,
		PeerID:   bittorrent.PeerIDFromBytes(make([]byte, 20)),
		Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 6881},
		Left:     100,
		Event:    bittorrent.EventStarted,
		NumWant:  -1,
		Families: []bittorrent.IPFamily{bittorrent.IPv4},
	}
}

func allowAllConfig() Config {
	return Config{
		AllowHTTPAnnounce:     true,
		AllowHTTPScrape:       true,
		AllowUDPAnnounce:      true,
		AllowUDPScrape:        true,
		AllowFullScrape:       true,
		RequestTimeout:        time.Second,
		MaxConcurrentRequests: 8,
	}
}

func TestAnnounceDeniedByTransportAdmission(t *testing.T) {
	cfg := allowAllConfig()
	cfg.AllowHTTPAnnounce = false
	f := newTestFacade(t, cfg)

	_, err := f.Announce(context.Background(), HTTP, announceReq(bittorrent.InfoHash{1}))
	if err == nil || err.Kind != bittorrent.KindTransportDisabled {
		t.Fatalf("expected TransportDisabled, got %v", err)
	}
}

func TestAnnounceBlockedInfohash(t *testing.T) {
	f := newTestFacade(t, allowAllConfig())
	hash := bittorrent.InfoHash{2}

	mgr := blocklist.NewManager()
	f.blocklist = mgr

	dir := t.TempDir()
	path := dir + "/blocklist.txt"
	if err := os.WriteFile(path, []byte(hash.String()+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := mgr.Watch(context.Background(), path, time.Hour); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	_, err := f.Announce(context.Background(), HTTP, announceReq(hash))
	if err == nil || err.Kind != bittorrent.KindBlocked {
		t.Fatalf("expected Blocked, got %v", err)
	}
}

func TestAnnounceSucceeds(t *testing.T) {
	f := newTestFacade(t, allowAllConfig())
	resp, err := f.Announce(context.Background(), HTTP, announceReq(bittorrent.InfoHash{3}))
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval <= 0 {
		t.Fatalf("expected a positive interval, got %v", resp.Interval)
	}
}

func TestScrapeFullDisabled(t *testing.T) {
	cfg := allowAllConfig()
	cfg.AllowFullScrape = false
	f := newTestFacade(t, cfg)

	_, err := f.Scrape(context.Background(), HTTP, bittorrent.ScrapeRequest{})
	if err == nil || err.Kind != bittorrent.KindFullScrapeDisabled {
		t.Fatalf("expected FullScrapeDisabled, got %v", err)
	}
}

func TestOverloadedWhenConcurrencyCapHit(t *testing.T) {
	cfg := allowAllConfig()
	cfg.MaxConcurrentRequests = 1
	f := newTestFacade(t, cfg)

	errAcquire, release := f.acquire()
	if errAcquire != nil {
		t.Fatalf("expected the only slot to be free: %v", errAcquire)
	}
	defer release()

	_, err := f.Announce(context.Background(), HTTP, announceReq(bittorrent.InfoHash{4}))
	if err == nil || err.Kind != bittorrent.KindOverloaded {
		t.Fatalf("expected Overloaded, got %v", err)
	}
}
