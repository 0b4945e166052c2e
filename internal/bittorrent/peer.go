package bittorrent

import (
	"net"
	"time"
)

// IPFamily distinguishes an IPv4 endpoint from an IPv6 one. The tracker
// never mixes families within one compact peer list (BEP 23 vs BEP 7).
type IPFamily uint8

const (
	IPv4 IPFamily = iota
	IPv6
)

func (f IPFamily) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// FamilyOf classifies an IP as IPv4 or IPv6. A 4-in-6 mapped address is
// treated as IPv4, matching how BitTorrent clients encode dual-stack peers.
func FamilyOf(ip net.IP) IPFamily {
	if ip.To4() != nil {
		return IPv4
	}
	return IPv6
}

// PeerEndpoint is where a peer can be dialed: an IP (v4 or v6) and a port.
// Port is 0 only for a peer that just sent a "stopped" event and is about
// to be removed from the store.
type PeerEndpoint struct {
	IP   net.IP
	Port uint16
}

// PeerState classifies a peer's role in a swarm. A peer is a Seeder iff its
// remaining bytes (Left) is zero. PartialSeed is BEP 21's partial-seed: a
// peer that has already completed the torrent once but is only offering a
// subset of it (e.g. superseeding). A partial seed is only handed out to
// leechers, same as a plain seeder, but never counted as satisfying
// another seeder's request.
type PeerState uint8

const (
	Leecher PeerState = iota
	Seeder
	PartialSeed
)

// PeerRecord is one peer's membership in one torrent's swarm, as owned
// exclusively by the peer store.
type PeerRecord struct {
	ID       PeerID
	Endpoint PeerEndpoint
	Left     uint64
	State    PeerState
	// Key is the opaque value BitTorrent clients, per BEP 3, may send to
	// let the tracker recognize the same peer across IP changes (e.g.
	// NAT rebinding, mobile network handoff). It is carried on the record
	// but neither store compares it: peers are identified by PeerID alone,
	// so an IP change under the same PeerID updates the existing record,
	// while a new PeerID is a new peer even when Key matches. The Redis
	// backend does not persist Key.
	Key      string
	LastSeen time.Time
}

// IsSeeder reports whether the record currently represents a seeder
// (Left == 0), independent of the PartialSeed distinction used for
// peer-list construction.
func (p PeerRecord) IsSeeder() bool {
	return p.Left == 0
}
