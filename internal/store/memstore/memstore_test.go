package memstore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

func hashOf(b byte) bittorrent.InfoHash {
	buf := make([]byte, bittorrent.InfoHashLen)
	for i := range buf {
		buf[i] = b
	}
	return bittorrent.InfoHashFromBytes(buf)
}

func peerIDOf(b byte) bittorrent.PeerID {
	buf := make([]byte, bittorrent.InfoHashLen)
	for i := range buf {
		buf[i] = b
	}
	return bittorrent.PeerIDFromBytes(buf)
}

func TestUpsertNewPeerThenGetPeers(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(1)

	rec := bittorrent.PeerRecord{
		ID:       peerIDOf(1),
		Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 6881},
		Left:     100,
		State:    bittorrent.Leecher,
		LastSeen: time.Now(),
	}
	outcome, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted)
	if err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if outcome.Existed {
		t.Fatal("expected new peer to report Existed=false")
	}

	other := peerIDOf(9)
	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, other, false)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Port != 6881 {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestGetPeersExcludesRequester(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(2)

	self := peerIDOf(1)
	rec := bittorrent.PeerRecord{
		ID:       self,
		Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 6881},
		Left:     100,
		State:    bittorrent.Leecher,
		LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, self, false)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected requester excluded from its own swarm, got %+v", peers)
	}
}

func TestSeederOnlySeesLeechers(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(3)

	seeder := bittorrent.PeerRecord{
		ID: peerIDOf(1), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 0, State: bittorrent.Seeder, LastSeen: time.Now(),
	}
	leecher := bittorrent.PeerRecord{
		ID: peerIDOf(2), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.2"), Port: 2},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, seeder, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPeer(ctx, hash, leecher, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}

	// A seeder requesting peers should only see the leecher.
	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(1), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Port != 2 {
		t.Fatalf("expected seeder to see only the leecher, got %+v", peers)
	}

	// A leecher requesting peers should see the seeder.
	peers, err = s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(2), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Port != 1 {
		t.Fatalf("expected leecher to see the seeder, got %+v", peers)
	}
}

func TestUpsertTransitionToSeederIncrementsCompleted(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(4)
	id := peerIDOf(1)

	leecher := bittorrent.PeerRecord{
		ID: id, Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, leecher, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}

	seeded := leecher
	seeded.Left = 0
	seeded.State = bittorrent.Seeder
	outcome, err := s.UpsertPeer(ctx, hash, seeded, bittorrent.EventCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Existed || outcome.WasSeeder {
		t.Fatalf("expected existing-leecher transition, got %+v", outcome)
	}

	// The engine decides from the outcome that the snatch counter moves.
	if err := s.IncrementCompleted(ctx, hash); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatal(err)
	}
	if stats[hash].Downloaded != 1 {
		t.Fatalf("expected completed counter 1, got %+v", stats[hash])
	}
	if stats[hash].Complete != 1 || stats[hash].Incomplete != 0 {
		t.Fatalf("unexpected stats after transition: %+v", stats[hash])
	}
}

func TestPartialSeedVisibility(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(11)

	partial := bittorrent.PeerRecord{
		ID: peerIDOf(1), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 500, State: bittorrent.PartialSeed, LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, partial, bittorrent.EventPaused); err != nil {
		t.Fatal(err)
	}

	// A leecher gets the partial seed handed out.
	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(2), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Port != 1 {
		t.Fatalf("expected leecher to see the partial seed, got %+v", peers)
	}

	// A seeder does not; a partial seed can't satisfy it.
	peers, err = s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(2), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected seeder not to see the partial seed, got %+v", peers)
	}

	// Partial seeds count as incomplete in the stat triple.
	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatal(err)
	}
	if stats[hash].Complete != 0 || stats[hash].Incomplete != 1 {
		t.Fatalf("unexpected stats for a partial seed: %+v", stats[hash])
	}
}

func TestStoppedRemovesPeer(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(5)
	id := peerIDOf(1)

	rec := bittorrent.PeerRecord{
		ID: id, Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStopped); err != nil {
		t.Fatal(err)
	}

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(99), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected swarm empty after stopped, got %+v", peers)
	}
}

func TestGetPeersRespectsNumWant(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(8)

	for i := byte(1); i <= 10; i++ {
		rec := bittorrent.PeerRecord{
			ID:       peerIDOf(i),
			Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: uint16(i)},
			Left:     100, State: bittorrent.Leecher, LastSeen: time.Now(),
		}
		if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted); err != nil {
			t.Fatal(err)
		}
	}

	// The requester is not in the swarm, so every sampled bucket entry is
	// eligible; the cap must still hold.
	for _, want := range []int{0, 1, 3, 9, 10, 50} {
		peers, err := s.GetPeers(ctx, hash, want, bittorrent.IPv4, peerIDOf(99), false)
		if err != nil {
			t.Fatal(err)
		}
		max := want
		if max > 10 {
			max = 10
		}
		if len(peers) > max {
			t.Fatalf("numwant=%d returned %d peers", want, len(peers))
		}
	}
}

func TestGetPeersFiltersIdlePeersBetweenSweeps(t *testing.T) {
	s := New(4, time.Minute)
	ctx := context.Background()
	hash := hashOf(9)

	stale := bittorrent.PeerRecord{
		ID: peerIDOf(1), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now().Add(-2 * time.Minute),
	}
	if _, err := s.UpsertPeer(ctx, hash, stale, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}

	// No Expire sweep has run, but the stale record must not be handed out.
	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(99), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected stale peer withheld before the sweep, got %+v", peers)
	}
}

func TestExpireEvictsIdlePeers(t *testing.T) {
	s := New(4, time.Minute)
	ctx := context.Background()
	hash := hashOf(6)

	old := bittorrent.PeerRecord{
		ID: peerIDOf(1), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now().Add(-2 * time.Minute),
	}
	fresh := bittorrent.PeerRecord{
		ID: peerIDOf(2), Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.2"), Port: 2},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now(),
	}
	if _, err := s.UpsertPeer(ctx, hash, old, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPeer(ctx, hash, fresh, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}

	evicted, err := s.Expire(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	peers, err := s.GetPeers(ctx, hash, 50, bittorrent.IPv4, peerIDOf(99), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Port != 2 {
		t.Fatalf("expected only the fresh peer to remain, got %+v", peers)
	}
}

func TestExpireSkipsReannouncedPeer(t *testing.T) {
	s := New(4, time.Minute)
	ctx := context.Background()
	hash := hashOf(7)
	id := peerIDOf(1)

	rec := bittorrent.PeerRecord{
		ID: id, Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 100, State: bittorrent.Leecher, LastSeen: time.Now().Add(-2 * time.Minute),
	}
	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventStarted); err != nil {
		t.Fatal(err)
	}

	// Re-announce refreshes last_seen; the stale heap entry from the first
	// upsert must not evict the peer.
	rec.LastSeen = time.Now()
	if _, err := s.UpsertPeer(ctx, hash, rec, bittorrent.EventNone); err != nil {
		t.Fatal(err)
	}

	evicted, err := s.Expire(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 0 {
		t.Fatalf("expected re-announced peer to survive expiry, got %d evicted", evicted)
	}
}

func TestFullScrape(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()

	hashes := []bittorrent.InfoHash{hashOf(10), hashOf(20), hashOf(30)}
	for i, h := range hashes {
		rec := bittorrent.PeerRecord{
			ID:       peerIDOf(byte(i + 1)),
			Endpoint: bittorrent.PeerEndpoint{IP: net.ParseIP("192.0.2.1"), Port: 1},
			Left:     0, State: bittorrent.Seeder, LastSeen: time.Now(),
		}
		if _, err := s.UpsertPeer(ctx, h, rec, bittorrent.EventStarted); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[bittorrent.InfoHash]bittorrent.TorrentStats{}
	err := s.FullScrape(ctx, func(h bittorrent.InfoHash, stats bittorrent.TorrentStats) bool {
		seen[h] = stats
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 torrents, got %d", len(seen))
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := New(4, time.Hour)
	ctx := context.Background()
	hash := hashOf(40)

	if err := s.Register(ctx, hash); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, hash); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetStats(ctx, []bittorrent.InfoHash{hash})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stats[hash]; !ok {
		t.Fatal("expected registered torrent to be present in stats")
	}
}

func TestGetStatsOmitsUnknownTorrent(t *testing.T) {
	s := New(4, time.Hour)
	stats, err := s.GetStats(context.Background(), []bittorrent.InfoHash{hashOf(99)})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected unknown torrent omitted, got %+v", stats)
	}
}
