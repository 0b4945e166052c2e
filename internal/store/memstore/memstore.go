// Package memstore is the sharded in-memory implementation of store.Store:
// shard_count independent shards, each with its own lock, its own per-family
// (v4/v6) peer sets, and its own lazily-reheaped expiry index.
package memstore

import (
	"container/heap"
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/store"
)

// DefaultShardCount is used when the operator doesn't configure a shard
// count. High enough that two busy torrents rarely contend on one lock.
const DefaultShardCount = 1024

// Store is the sharded in-memory peer store. The zero value is not usable;
// construct with New.
type Store struct {
	shards       []*shard
	peerIdleTime time.Duration
}

// New builds a Store with shardCount independent shards (DefaultShardCount
// if shardCount <= 0). peerIdleTime is the idle threshold used by Expire.
func New(shardCount int, peerIdleTime time.Duration) *Store {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Store{shards: shards, peerIdleTime: peerIdleTime}
}

func (s *Store) shardFor(hash bittorrent.InfoHash) *shard {
	idx := binary.BigEndian.Uint32(hash[0:4]) % uint32(len(s.shards))
	return s.shards[idx]
}

// UpsertPeer implements store.Store.
func (s *Store) UpsertPeer(_ context.Context, hash bittorrent.InfoHash, rec bittorrent.PeerRecord, event bittorrent.AnnounceEvent) (store.UpsertOutcome, error) {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw := sh.torrents[hash]
	if sw == nil {
		sw = newSwarm()
		sh.torrents[hash] = sw
	}

	if event == bittorrent.EventStopped {
		existed, wasSeeder := sw.remove(rec.ID)
		if len(sw.peers) == 0 && sw.completed == 0 {
			delete(sh.torrents, hash)
		}
		return store.UpsertOutcome{Existed: existed, WasSeeder: wasSeeder}, nil
	}

	outcome := sw.upsert(rec)
	sh.expiry.push(hash, rec.ID, rec.LastSeen)
	return outcome, nil
}

// IncrementCompleted implements store.Store.
func (s *Store) IncrementCompleted(_ context.Context, hash bittorrent.InfoHash) error {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sw, ok := sh.torrents[hash]; ok {
		sw.completed++
	}
	return nil
}

// GetPeers implements store.Store.
func (s *Store) GetPeers(_ context.Context, hash bittorrent.InfoHash, numWant int, family bittorrent.IPFamily, exclude bittorrent.PeerID, requesterIsSeeder bool) ([]bittorrent.PeerEndpoint, error) {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw, ok := sh.torrents[hash]
	if !ok {
		// Unknown torrent (never announced, or emptied and dropped): no peers.
		return nil, nil
	}
	fam := sw.family(family)

	var priority []*bucket
	if requesterIsSeeder {
		priority = []*bucket{&fam.leechers}
	} else {
		priority = []*bucket{&fam.seeders, &fam.leechers, &fam.partials}
	}

	// Peers past the idle threshold are filtered here as well as by the
	// periodic Expire sweep, so a stale record is never handed out in the
	// window between sweeps.
	var cutoff time.Time
	if s.peerIdleTime > 0 {
		cutoff = time.Now().Add(-s.peerIdleTime)
	}

	out := make([]bittorrent.PeerEndpoint, 0, numWant)
	for _, b := range priority {
		if len(out) >= numWant {
			break
		}
		out = sampleBucket(b, numWant-len(out), exclude, cutoff, sw.peers, out)
	}
	return out, nil
}

// GetStats implements store.Store.
func (s *Store) GetStats(_ context.Context, hashes []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.TorrentStats, error) {
	result := make(map[bittorrent.InfoHash]bittorrent.TorrentStats, len(hashes))
	for _, hash := range hashes {
		sh := s.shardFor(hash)
		sh.mu.Lock()
		sw, ok := sh.torrents[hash]
		if ok {
			result[hash] = sw.stats()
		}
		sh.mu.Unlock()
	}
	return result, nil
}

// FullScrape implements store.Store. It walks shard by shard, acquiring and
// releasing each shard's lock in turn so iteration never blocks announce
// traffic for longer than one shard's worth of work.
func (s *Store) FullScrape(_ context.Context, yield func(bittorrent.InfoHash, bittorrent.TorrentStats) bool) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		snapshot := make(map[bittorrent.InfoHash]bittorrent.TorrentStats, len(sh.torrents))
		for hash, sw := range sh.torrents {
			snapshot[hash] = sw.stats()
		}
		sh.mu.Unlock()

		for hash, stats := range snapshot {
			if !yield(hash, stats) {
				return nil
			}
		}
	}
	return nil
}

// Expire implements store.Store.
func (s *Store) Expire(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.peerIdleTime)
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		evicted += sh.expireBefore(cutoff)
		sh.mu.Unlock()
	}
	return evicted, nil
}

// Register implements store.Store.
func (s *Store) Register(_ context.Context, hash bittorrent.InfoHash) error {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.torrents[hash]; !ok {
		sh.torrents[hash] = newSwarm()
	}
	return nil
}

// --- shard ---

type shard struct {
	mu       sync.Mutex
	torrents map[bittorrent.InfoHash]*swarm
	expiry   expiryHeap
}

func newShard() *shard {
	return &shard{torrents: make(map[bittorrent.InfoHash]*swarm)}
}

// expireBefore evicts peers with last_seen < cutoff across every torrent in
// this shard, draining the expiry heap until its root is no longer stale.
// Heap entries superseded by a later announce (the peer's current LastSeen
// no longer matches the entry) are discarded without counting as evictions.
func (sh *shard) expireBefore(cutoff time.Time) int {
	evicted := 0
	for sh.expiry.Len() > 0 {
		top := sh.expiry[0]
		if !top.lastSeen.Before(cutoff) {
			break
		}
		heap.Pop(&sh.expiry)

		sw, ok := sh.torrents[top.hash]
		if !ok {
			continue
		}
		rec, ok := sw.peers[top.peerID]
		if !ok || !rec.LastSeen.Equal(top.lastSeen) {
			continue // stale heap entry, superseded by a later announce
		}
		sw.remove(top.peerID)
		evicted++
		if len(sw.peers) == 0 && sw.completed == 0 {
			delete(sh.torrents, top.hash)
		}
	}
	return evicted
}

// --- swarm ---

type swarm struct {
	peers     map[bittorrent.PeerID]*bittorrent.PeerRecord
	v4        familySwarm
	v6        familySwarm
	completed int
	createdAt time.Time
}

func newSwarm() *swarm {
	return &swarm{peers: make(map[bittorrent.PeerID]*bittorrent.PeerRecord), createdAt: time.Now()}
}

func (sw *swarm) family(f bittorrent.IPFamily) *familySwarm {
	if f == bittorrent.IPv6 {
		return &sw.v6
	}
	return &sw.v4
}

// upsert inserts or updates a peer, moving it between family/state buckets
// as needed. Event accounting (the completed counter) is the engine's
// decision; it arrives here as a separate IncrementCompleted call.
func (sw *swarm) upsert(rec bittorrent.PeerRecord) store.UpsertOutcome {
	prior, existed := sw.peers[rec.ID]
	wasSeeder := existed && prior.IsSeeder()

	if existed {
		oldFam := sw.family(bittorrent.FamilyOf(prior.Endpoint.IP))
		oldFam.bucketFor(prior.State).remove(rec.ID)
	}

	stored := rec
	sw.peers[rec.ID] = &stored
	newFam := sw.family(bittorrent.FamilyOf(rec.Endpoint.IP))
	newFam.bucketFor(rec.State).add(rec.ID)

	seeders, leechers := sw.counts()
	return store.UpsertOutcome{Existed: existed, WasSeeder: wasSeeder, NewSeeders: seeders, NewLeechers: leechers}
}

// remove deletes a peer, returning whether it existed and whether it was a
// seeder at the time of removal.
func (sw *swarm) remove(id bittorrent.PeerID) (existed, wasSeeder bool) {
	rec, ok := sw.peers[id]
	if !ok {
		return false, false
	}
	fam := sw.family(bittorrent.FamilyOf(rec.Endpoint.IP))
	fam.bucketFor(rec.State).remove(id)
	delete(sw.peers, id)
	return true, rec.IsSeeder()
}

func (sw *swarm) counts() (seeders, leechers int) {
	seeders = len(sw.v4.seeders.ids) + len(sw.v6.seeders.ids)
	leechers = len(sw.v4.leechers.ids) + len(sw.v6.leechers.ids) +
		len(sw.v4.partials.ids) + len(sw.v6.partials.ids)
	return seeders, leechers
}

func (sw *swarm) stats() bittorrent.TorrentStats {
	seeders, leechers := sw.counts()
	return bittorrent.TorrentStats{Complete: seeders, Incomplete: leechers, Downloaded: sw.completed}
}

// --- familySwarm: the three peer-state buckets for one IP family ---

type familySwarm struct {
	seeders  bucket
	leechers bucket
	partials bucket
}

func (f *familySwarm) bucketFor(state bittorrent.PeerState) *bucket {
	switch state {
	case bittorrent.Seeder:
		return &f.seeders
	case bittorrent.PartialSeed:
		return &f.partials
	default:
		return &f.leechers
	}
}

// bucket is a parallel-vector + id-to-index structure supporting O(1)
// insert, O(1) swap-remove, and O(1) random access for sampling, per the
// store's "random sampling under a lock" design.
type bucket struct {
	ids []bittorrent.PeerID
	pos map[bittorrent.PeerID]int
}

func (b *bucket) add(id bittorrent.PeerID) {
	if b.pos == nil {
		b.pos = make(map[bittorrent.PeerID]int)
	}
	if _, ok := b.pos[id]; ok {
		return
	}
	b.pos[id] = len(b.ids)
	b.ids = append(b.ids, id)
}

func (b *bucket) remove(id bittorrent.PeerID) {
	i, ok := b.pos[id]
	if !ok {
		return
	}
	last := len(b.ids) - 1
	b.ids[i] = b.ids[last]
	b.pos[b.ids[i]] = i
	b.ids = b.ids[:last]
	delete(b.pos, id)
}

// sampleBucket appends up to need peers sampled without replacement from b
// (excluding exclude, and excluding records last seen before cutoff) to
// out, resolving each sampled id through peers. Sampling walks from a
// random starting offset modulo the bucket size: every peer has equal
// inclusion probability, consecutive calls yield different samples, and the
// walk is O(k) for k samples when nothing is filtered.
func sampleBucket(b *bucket, need int, exclude bittorrent.PeerID, cutoff time.Time, peers map[bittorrent.PeerID]*bittorrent.PeerRecord, out []bittorrent.PeerEndpoint) []bittorrent.PeerEndpoint {
	n := len(b.ids)
	if n == 0 || need <= 0 {
		return out
	}

	start := rand.Intn(n)
	taken := 0
	for i := 0; i < n && taken < need; i++ {
		id := b.ids[(start+i)%n]
		if id == exclude {
			continue
		}
		rec, ok := peers[id]
		if !ok || rec.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, rec.Endpoint)
		taken++
	}
	return out
}

// --- expiry heap: ordered by last_seen, lazily reheaped on pop ---

type expiryItem struct {
	lastSeen time.Time
	hash     bittorrent.InfoHash
	peerID   bittorrent.PeerID
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].lastSeen.Before(h[j].lastSeen) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *expiryHeap) push(hash bittorrent.InfoHash, peerID bittorrent.PeerID, lastSeen time.Time) {
	heap.Push(h, expiryItem{lastSeen: lastSeen, hash: hash, peerID: peerID})
}
