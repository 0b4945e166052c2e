// Package redisstore is the Redis-backed implementation of store.Store,
// wired on github.com/redis/go-redis/v9. One struct (keyBuilder) owns every
// key name for a namespace rather than inlining key strings at each call
// site. Each torrent gets three sets (seeders, leechers, partial seeds)
// plus a counter hash;
// SRANDMEMBER samples peers, and peer TTL equals peer_idle_time so Redis
// itself performs expiry instead of a scanning sweep.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/store"
)

// Store is the Redis-backed peer store.
type Store struct {
	rdb          *redis.Client
	keys         keyBuilder
	peerIdleTime time.Duration
}

// Options configures a Store's connection pool: connection count, idle
// count kept warm, and how long a request waits for a pooled connection.
type Options struct {
	Addr               string
	Password           string
	DB                 int
	MaxConnections     int
	MinIdleConnections int
	MaxConnectionWait  time.Duration
	PeerIdleTime       time.Duration
	KeyPrefix          string
}

// New builds a Store, opening (but not yet connecting; go-redis connects
// lazily) a pooled client per opts.
func New(opts Options) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "ts:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.MaxConnections,
		MinIdleConns: opts.MinIdleConnections,
		PoolTimeout:  opts.MaxConnectionWait,
	})
	return &Store{rdb: rdb, keys: keyBuilder{prefix: prefix}, peerIdleTime: opts.PeerIdleTime}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func bucketName(state bittorrent.PeerState) string {
	switch state {
	case bittorrent.Seeder:
		return "seeders"
	case bittorrent.PartialSeed:
		return "partials"
	default:
		return "leechers"
	}
}

// peerDetail is the value stored at a per-peer detail key: enough to
// reconstruct the endpoint, family and bucket membership without a second
// lookup into the swarm sets.
type peerDetail struct {
	ip    net.IP
	port  uint16
	state bittorrent.PeerState
}

func encodeDetail(rec bittorrent.PeerRecord) string {
	return fmt.Sprintf("%s|%d|%d", rec.Endpoint.IP.String(), rec.Endpoint.Port, rec.State)
}

func decodeDetail(s string) (peerDetail, bool) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return peerDetail{}, false
	}
	ip := net.ParseIP(parts[0])
	port, err1 := strconv.ParseUint(parts[1], 10, 16)
	state, err2 := strconv.Atoi(parts[2])
	if ip == nil || err1 != nil || err2 != nil {
		return peerDetail{}, false
	}
	return peerDetail{ip: ip, port: uint16(port), state: bittorrent.PeerState(state)}, true
}

// UpsertPeer implements store.Store. A Stopped event removes the peer
// instead.
func (s *Store) UpsertPeer(ctx context.Context, hash bittorrent.InfoHash, rec bittorrent.PeerRecord, event bittorrent.AnnounceEvent) (store.UpsertOutcome, error) {
	detailKey := s.keys.peerDetail(hash, rec.ID)

	prior, err := s.rdb.Get(ctx, detailKey).Result()
	existed := err == nil
	var priorDetail peerDetail
	if existed {
		priorDetail, existed = decodeDetail(prior)
	}
	wasSeeder := existed && priorDetail.state == bittorrent.Seeder

	if event == bittorrent.EventStopped {
		pipe := s.rdb.TxPipeline()
		if existed {
			pipe.SRem(ctx, s.keys.swarmSet(hash, priorDetail.state), rec.ID.String())
		}
		pipe.Del(ctx, detailKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return store.UpsertOutcome{}, err
		}
		return store.UpsertOutcome{Existed: existed, WasSeeder: wasSeeder}, nil
	}

	pipe := s.rdb.TxPipeline()
	if existed && priorDetail.state != rec.State {
		pipe.SRem(ctx, s.keys.swarmSet(hash, priorDetail.state), rec.ID.String())
	}
	pipe.Set(ctx, detailKey, encodeDetail(rec), s.peerIdleTime)
	pipe.SAdd(ctx, s.keys.swarmSet(hash, rec.State), rec.ID.String())
	pipe.SAdd(ctx, s.keys.allTorrents(), hash.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return store.UpsertOutcome{}, err
	}

	return store.UpsertOutcome{Existed: existed, WasSeeder: wasSeeder}, nil
}

// IncrementCompleted implements store.Store.
func (s *Store) IncrementCompleted(ctx context.Context, hash bittorrent.InfoHash) error {
	return s.rdb.HIncrBy(ctx, s.keys.torrent(hash), fieldCompleted, 1).Err()
}

// GetPeers implements store.Store. The Redis backend keeps one
// seeders/leechers/partials set each per torrent, not split per IP family, so family
// selection is applied by oversampling and filtering rather than sampling
// directly from a family-scoped set.
func (s *Store) GetPeers(ctx context.Context, hash bittorrent.InfoHash, numWant int, family bittorrent.IPFamily, exclude bittorrent.PeerID, requesterIsSeeder bool) ([]bittorrent.PeerEndpoint, error) {
	var sets []string
	if requesterIsSeeder {
		sets = []string{s.keys.swarmSet(hash, bittorrent.Leecher)}
	} else {
		sets = []string{
			s.keys.swarmSet(hash, bittorrent.Seeder),
			s.keys.swarmSet(hash, bittorrent.Leecher),
			s.keys.swarmSet(hash, bittorrent.PartialSeed),
		}
	}

	out := make([]bittorrent.PeerEndpoint, 0, numWant)
	for _, setKey := range sets {
		if len(out) >= numWant {
			break
		}
		need := numWant - len(out)
		sampleSize := int64(need * 3)
		if sampleSize < 8 {
			sampleSize = 8
		}

		ids, err := s.rdb.SRandMemberN(ctx, setKey, sampleSize).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		detailKeys := make([]string, 0, len(ids))
		idByDetailKey := make(map[string]string, len(ids))
		for _, id := range ids {
			if id == exclude.String() {
				continue
			}
			dk := s.keys.peerDetailByHex(hash, id)
			detailKeys = append(detailKeys, dk)
			idByDetailKey[dk] = id
		}
		if len(detailKeys) == 0 {
			continue
		}

		values, err := s.rdb.MGet(ctx, detailKeys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			if len(out) >= numWant {
				break
			}
			raw, ok := v.(string)
			if !ok {
				// Detail key expired (peer went idle past peer_idle_time);
				// the membership set entry is now dangling and is pruned
				// lazily here rather than by a background sweep.
				s.rdb.SRem(ctx, setKey, idByDetailKey[detailKeys[i]])
				continue
			}
			detail, ok := decodeDetail(raw)
			if !ok || bittorrent.FamilyOf(detail.ip) != family {
				continue
			}
			out = append(out, bittorrent.PeerEndpoint{IP: detail.ip, Port: detail.port})
		}
	}
	return out, nil
}

const fieldCompleted = "completed"

// GetStats implements store.Store.
func (s *Store) GetStats(ctx context.Context, hashes []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.TorrentStats, error) {
	result := make(map[bittorrent.InfoHash]bittorrent.TorrentStats, len(hashes))
	for _, hash := range hashes {
		stats, ok, err := s.statsFor(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ok {
			result[hash] = stats
		}
	}
	return result, nil
}

// statsFor reports a torrent's counter triple. Existence is decided by
// membership in the all-torrents index (maintained by UpsertPeer and
// Register), never inferred from the counters: a registered torrent with
// no peers yet is present with all-zero counts, not absent.
func (s *Store) statsFor(ctx context.Context, hash bittorrent.InfoHash) (bittorrent.TorrentStats, bool, error) {
	pipe := s.rdb.TxPipeline()
	existsCmd := pipe.SIsMember(ctx, s.keys.allTorrents(), hash.String())
	completedCmd := pipe.HGet(ctx, s.keys.torrent(hash), fieldCompleted)
	seedersCmd := pipe.SCard(ctx, s.keys.swarmSet(hash, bittorrent.Seeder))
	leechersCmd := pipe.SCard(ctx, s.keys.swarmSet(hash, bittorrent.Leecher))
	partialsCmd := pipe.SCard(ctx, s.keys.swarmSet(hash, bittorrent.PartialSeed))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return bittorrent.TorrentStats{}, false, err
	}
	if !existsCmd.Val() {
		return bittorrent.TorrentStats{}, false, nil
	}

	completed, _ := strconv.Atoi(completedCmd.Val())
	seeders := int(seedersCmd.Val())
	leechers := int(leechersCmd.Val()) + int(partialsCmd.Val())
	return bittorrent.TorrentStats{Complete: seeders, Incomplete: leechers, Downloaded: completed}, true, nil
}

// FullScrape implements store.Store, iterating the known-torrents index set
// maintained on every upsert/register.
func (s *Store) FullScrape(ctx context.Context, yield func(bittorrent.InfoHash, bittorrent.TorrentStats) bool) error {
	hexes, err := s.rdb.SMembers(ctx, s.keys.allTorrents()).Result()
	if err != nil {
		return err
	}
	for _, hex := range hexes {
		hash, ok := bittorrent.InfoHashFromHex(hex)
		if !ok {
			continue
		}
		stats, ok, err := s.statsFor(ctx, hash)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !yield(hash, stats) {
			return nil
		}
	}
	return nil
}

// Expire implements store.Store. Redis performs expiry natively via each
// peer detail key's TTL (set to peer_idle_time on every upsert); there is
// no scanning sweep to run here. Dangling set membership left behind by an
// expired detail key is pruned lazily by GetPeers as it is discovered.
func (s *Store) Expire(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Register implements store.Store.
func (s *Store) Register(ctx context.Context, hash bittorrent.InfoHash) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, s.keys.torrent(hash), fieldCompleted, 0)
	pipe.SAdd(ctx, s.keys.allTorrents(), hash.String())
	_, err := pipe.Exec(ctx)
	return err
}

// keyBuilder builds every Redis key for one namespace.
type keyBuilder struct {
	prefix string
}

func (k keyBuilder) torrent(hash bittorrent.InfoHash) string {
	return k.prefix + "torrent:" + hash.String()
}

func (k keyBuilder) swarmSet(hash bittorrent.InfoHash, state bittorrent.PeerState) string {
	return k.prefix + "swarm:" + hash.String() + ":" + bucketName(state)
}

func (k keyBuilder) peerDetail(hash bittorrent.InfoHash, id bittorrent.PeerID) string {
	return k.prefix + "peer:" + hash.String() + ":" + id.String()
}

func (k keyBuilder) peerDetailByHex(hash bittorrent.InfoHash, idHex string) string {
	return k.prefix + "peer:" + hash.String() + ":" + idHex
}

func (k keyBuilder) allTorrents() string {
	return k.prefix + "torrents"
}
