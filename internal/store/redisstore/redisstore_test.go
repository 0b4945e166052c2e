package redisstore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

// newTestStore backs a Store with an in-process miniredis, so the whole
// store.Store contract is exercised against real Redis semantics the same
// way memstore's tests drive the in-memory backend.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(Options{Addr: mr.Addr(), PeerIdleTime: time.Hour})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func hashOf(b byte) bittorrent.InfoHash {
	buf := make([]byte, bittorrent.InfoHashLen)
	for i := range buf {
		buf[i] = b
	}
	return bittorrent.InfoHashFromBytes(buf)
}

func peerIDOf(b byte) bittorrent.PeerID {
	buf := make([]byte, bittorrent.PeerIDLen)
	for i := range buf {
		buf[i] = b
	}
	return bittorrent.PeerIDFromBytes(buf)
}

func leecherRecord(id byte, ip string, port uint16) bittorrent.PeerRecord {
	return bittorrent.PeerRecord{
		ID:       peerIDOf(id),
		Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP(ip), Port: port},
		Left:     100,
		State:    bittorrent.Leecher,
		LastSeen: time.Now(),
	}
}

func TestRegisterThenGetStatsReportsEmptyTorrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(1)

	if err := s.Register(ctx, hash); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	got, ok := stats[hash]
	if !ok {
		t.Fatal("expected a registered torrent with no peers to be present, not absent")
	}
	if got.Complete != 0 || got.Incomplete != 0 || got.Downloaded != 0 {
		t.Fatalf("expected all-zero stats for an empty torrent, got %+v", got)
	}
}

func TestGetStatsOmitsUnknownTorrent(t *testing.T) {
	s, _ := newTestStore(t)
	stats, err := s.GetStats(context.Background(), []bittorrent.InfoHash{hashOf(99)})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected unknown torrent omitted, got %+v", stats)
	}
}

func TestUpsertThenGetPeersAndStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(2)

	if _, err := s.UpsertPeer(ctx, hash, leecherRecord(1, "192.0.2.1", 6881), bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(9), false)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Port != 6881 {
		t.Fatalf("unexpected peers: %+v", peers)
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats[hash].Incomplete != 1 || stats[hash].Complete != 0 {
		t.Fatalf("unexpected stats: %+v", stats[hash])
	}
}

func TestGetPeersExcludesRequester(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(3)
	self := peerIDOf(1)

	if _, err := s.UpsertPeer(ctx, hash, leecherRecord(1, "192.0.2.1", 6881), bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, self, false)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected requester excluded, got %+v", peers)
	}
}

func TestStoppedRemovesPeer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(4)
	rec := leecherRecord(1, "192.0.2.1", 6881)

	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	outcome, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStopped)
	if err != nil {
		t.Fatalf("UpsertPeer stopped: %v", err)
	}
	if !outcome.Existed {
		t.Fatal("expected stopped to report the peer existed")
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats[hash].Incomplete != 0 {
		t.Fatalf("expected swarm empty after stopped, got %+v", stats[hash])
	}
}

func TestIncrementCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(5)

	if _, err := s.UpsertPeer(ctx, hash, leecherRecord(1, "192.0.2.1", 6881), bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := s.IncrementCompleted(ctx, hash); err != nil {
		t.Fatalf("IncrementCompleted: %v", err)
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats[hash].Downloaded != 1 {
		t.Fatalf("expected completed counter 1, got %+v", stats[hash])
	}
}

func TestFullScrapeWalksIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		if _, err := s.UpsertPeer(ctx, hashOf(i), leecherRecord(i, "192.0.2.1", 6881), bittorrent.EventStarted); err != nil {
			t.Fatalf("UpsertPeer: %v", err)
		}
	}

	seen := map[bittorrent.InfoHash]bittorrent.TorrentStats{}
	err := s.FullScrape(ctx, func(h bittorrent.InfoHash, stats bittorrent.TorrentStats) bool {
		seen[h] = stats
		return true
	})
	if err != nil {
		t.Fatalf("FullScrape: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 torrents, got %d", len(seen))
	}
}

func TestPeerTTLExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	hash := hashOf(6)

	if _, err := s.UpsertPeer(ctx, hash, leecherRecord(1, "192.0.2.1", 6881), bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	// Redis expires the detail key; GetPeers prunes the dangling set
	// member lazily and returns nothing.
	mr.FastForward(2 * time.Hour)

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(9), false)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected expired peer withheld, got %+v", peers)
	}
}

func TestEncodeDecodeDetailRoundTrip(t *testing.T) {
	rec := bittorrent.PeerRecord{
		Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.5"), Port: 6881},
		State:    bittorrent.Seeder,
	}
	encoded := encodeDetail(rec)

	detail, ok := decodeDetail(encoded)
	if !ok {
		t.Fatalf("decodeDetail failed on %q", encoded)
	}
	if !detail.ip.Equal(rec.Endpoint.IP) || detail.port != rec.Endpoint.Port || detail.state != rec.State {
		t.Fatalf("round trip mismatch: got %+v want ip=%v port=%d state=%v", detail, rec.Endpoint.IP, rec.Endpoint.Port, rec.State)
	}
}

func TestDecodeDetailRejectsMalformed(t *testing.T) {
	cases := []string{"", "not-enough-parts", "bad-ip|6881|0", "192.0.2.5|not-a-port|0", "192.0.2.5|6881|not-a-state"}
	for _, c := range cases {
		if _, ok := decodeDetail(c); ok {
			t.Fatalf("expected decodeDetail(%q) to fail", c)
		}
	}
}

func TestKeyBuilderIsStableAndDistinctPerBucket(t *testing.T) {
	k := keyBuilder{prefix: "ts:"}
	hash := bittorrent.InfoHashFromBytes(make([]byte, bittorrent.InfoHashLen))

	seeders := k.swarmSet(hash, bittorrent.Seeder)
	leechers := k.swarmSet(hash, bittorrent.Leecher)
	partials := k.swarmSet(hash, bittorrent.PartialSeed)

	if seeders == leechers || seeders == partials || leechers == partials {
		t.Fatalf("expected distinct bucket keys, got %q %q %q", seeders, leechers, partials)
	}
	if k.swarmSet(hash, bittorrent.Seeder) != seeders {
		t.Fatal("expected swarmSet to be deterministic")
	}
	if k.torrent(hash) == k.allTorrents() {
		t.Fatal("expected torrent key and all-torrents index key to differ")
	}
}

func TestBucketName(t *testing.T) {
	if bucketName(bittorrent.Seeder) != "seeders" {
		t.Fatal("unexpected seeder bucket name")
	}
	if bucketName(bittorrent.Leecher) != "leechers" {
		t.Fatal("unexpected leecher bucket name")
	}
	if bucketName(bittorrent.PartialSeed) != "partials" {
		t.Fatal("unexpected partial-seed bucket name")
	}
}
