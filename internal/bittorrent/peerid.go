package bittorrent

import "encoding/hex"

// PeerIDLen is the fixed byte width of a peer_id (BEP 3).
const PeerIDLen = 20

// PeerID identifies one client's participation in a single swarm session.
type PeerID [PeerIDLen]byte

// PeerIDFromBytes builds a PeerID from a byte slice. The caller must ensure
// b has at least PeerIDLen bytes; extra bytes are ignored.
func PeerIDFromBytes(b []byte) PeerID {
	var p PeerID
	copy(p[:], b)
	return p
}

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw 20 bytes.
func (p PeerID) Bytes() []byte {
	return p[:]
}
