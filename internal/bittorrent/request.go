package bittorrent

// AnnounceRequest is the decoded, transport-independent form of an
// announce, produced by internal/httpcodec or internal/udpcodec and
// consumed by internal/engine.
type AnnounceRequest struct {
	InfoHash   InfoHash
	PeerID     PeerID
	Endpoint   PeerEndpoint
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      AnnounceEvent
	NumWant    int32 // -1 means "client didn't specify"
	Compact    bool
	Key        string
	// Families lists which peer-list families the client wants back.
	// A single-family client (the common case) lists just its own
	// family; a dual-stack client that announced support for both
	// (BEP 7) lists both.
	Families []IPFamily
}

// ScrapeRequest carries zero or more info_hashes; zero means a full scrape.
type ScrapeRequest struct {
	InfoHashes []InfoHash
}
