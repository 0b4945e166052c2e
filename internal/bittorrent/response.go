package bittorrent

import "time"

// AnnounceResponse is the engine's decoded answer to an announce; the
// requesting peer is never present in either peer list.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	IPv4Peers   []PeerEndpoint
	IPv6Peers   []PeerEndpoint
}

// TorrentStats is the per-infohash triple returned by scrape.
type TorrentStats struct {
	Complete   int
	Downloaded int
	Incomplete int
}

// ScrapeResponse maps each known requested InfoHash to its stats; an
// unknown infohash is simply absent from the map (unless this is a full
// scrape, where the map covers every torrent the store holds).
type ScrapeResponse struct {
	Files map[InfoHash]TorrentStats
}
