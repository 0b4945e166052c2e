// Package bittorrent implements the common data types used throughout the
// tracker: infohashes, peer IDs, peer records and announce/scrape requests
// and responses.
package bittorrent

import "encoding/hex"

// InfoHashLen is the fixed byte width of an info_hash (BEP 3, a SHA-1 digest).
const InfoHashLen = 20

// InfoHash is the 20-byte content-addressed key of a torrent.
type InfoHash [InfoHashLen]byte

// InfoHashFromBytes builds an InfoHash from a byte slice. The caller must
// ensure b has at least InfoHashLen bytes; extra bytes are ignored.
func InfoHashFromBytes(b []byte) InfoHash {
	var h InfoHash
	copy(h[:], b)
	return h
}

func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// InfoHashFromHex parses the hex string produced by String back into an
// InfoHash, for backends (e.g. redisstore) that key on the hex form.
func InfoHashFromHex(s string) (InfoHash, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != InfoHashLen {
		return InfoHash{}, false
	}
	return InfoHashFromBytes(b), true
}

// Bytes returns the raw 20 bytes.
func (h InfoHash) Bytes() []byte {
	return h[:]
}
