// Package udpcodec implements BEP 15's binary UDP tracker wire format:
// connect/announce/scrape/error packets, all integers big-endian, plus
// BEP 41 URL-data TLV options.
package udpcodec

import (
	"encoding/binary"
	"errors"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

// ProtocolID is BEP 15's fixed magic constant for a connect request.
const ProtocolID uint64 = 0x41727101980

// Action codes (BEP 15).
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionScrape   uint32 = 2
	ActionError    uint32 = 3
)

// UDP event codes (BEP 15, distinct ordering from the HTTP "event" string).
const (
	UDPEventNone      uint32 = 0
	UDPEventCompleted uint32 = 1
	UDPEventStarted   uint32 = 2
	UDPEventStopped   uint32 = 3
)

var udpEventToShared = [...]bittorrent.AnnounceEvent{
	UDPEventNone:      bittorrent.EventNone,
	UDPEventCompleted: bittorrent.EventCompleted,
	UDPEventStarted:   bittorrent.EventStarted,
	UDPEventStopped:   bittorrent.EventStopped,
}

// EventPaused is deliberately absent: BEP 15 defines no wire code for
// BEP 21's paused event, so a partial seed can only signal itself over
// HTTP. EventToUDP maps it to UDPEventNone (the map's zero value).
var sharedEventToUDP = map[bittorrent.AnnounceEvent]uint32{
	bittorrent.EventNone:      UDPEventNone,
	bittorrent.EventCompleted: UDPEventCompleted,
	bittorrent.EventStarted:   UDPEventStarted,
	bittorrent.EventStopped:   UDPEventStopped,
}

const (
	headerSize          = 16 // connection_id:8 + action:4 + transaction_id:4
	connectRequestSize  = headerSize
	connectResponseSize = 4 + 4 + 8
	minAnnounceSize     = 98
	minScrapeSize       = 16 + 20
	announceHeaderSize  = 20 // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	scrapeHeaderSize    = 8
	scrapeEntrySize     = 12
	errorHeaderSize     = 8
)

// BEP 41 option-type bytes.
const (
	optEndOfOptions = 0
	optNOP          = 1
	optURLData      = 2
)

var errMalformed = errors.New("malformed packet")

// Header is the common prefix of every post-connect packet.
type Header struct {
	ConnID        uint64
	Action        uint32
	TransactionID uint32
}

// DecodeHeader reads the 16-byte header shared by every UDP tracker packet.
func DecodeHeader(packet []byte) (Header, bool) {
	if len(packet) < headerSize {
		return Header{}, false
	}
	return Header{
		ConnID:        binary.BigEndian.Uint64(packet[0:8]),
		Action:        binary.BigEndian.Uint32(packet[8:12]),
		TransactionID: binary.BigEndian.Uint32(packet[12:16]),
	}, true
}

// DecodeConnect validates a connect request (header ConnID must equal
// ProtocolID) and returns its transaction id.
func DecodeConnect(h Header) (uint32, bool) {
	if h.ConnID != ProtocolID {
		return 0, false
	}
	return h.TransactionID, true
}

// EncodeConnectResponse builds the 16-byte connect response.
func EncodeConnectResponse(transactionID uint32, connID uint64) []byte {
	resp := make([]byte, connectResponseSize)
	binary.BigEndian.PutUint32(resp[0:4], ActionConnect)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	binary.BigEndian.PutUint64(resp[8:16], connID)
	return resp
}

// AnnounceRequest is the decoded fixed-size portion of a UDP announce,
// followed by any BEP 41 URL-data extensions.
type AnnounceRequest struct {
	Header
	InfoHash   bittorrent.InfoHash
	PeerID     bittorrent.PeerID
	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      uint32
	IP         uint32 // 0 = use packet source
	Key        uint32
	NumWant    int32 // -1 = default
	Port       uint16
	URLData    string // concatenation of BEP 41 option-2 payloads, if any
}

// DecodeAnnounce parses a full announce packet (header already split out by
// the caller via DecodeHeader, but re-validated here since packet still
// carries it at offset 0).
func DecodeAnnounce(packet []byte) (AnnounceRequest, error) {
	if len(packet) < minAnnounceSize {
		return AnnounceRequest{}, errMalformed
	}
	h, _ := DecodeHeader(packet)

	req := AnnounceRequest{
		Header:     h,
		InfoHash:   bittorrent.InfoHashFromBytes(packet[16:36]),
		PeerID:     bittorrent.PeerIDFromBytes(packet[36:56]),
		Downloaded: binary.BigEndian.Uint64(packet[56:64]),
		Left:       binary.BigEndian.Uint64(packet[64:72]),
		Uploaded:   binary.BigEndian.Uint64(packet[72:80]),
		Event:      binary.BigEndian.Uint32(packet[80:84]),
		IP:         binary.BigEndian.Uint32(packet[84:88]),
		Key:        binary.BigEndian.Uint32(packet[88:92]),
		NumWant:    int32(binary.BigEndian.Uint32(packet[92:96])),
		Port:       binary.BigEndian.Uint16(packet[96:98]),
	}

	urlData, err := decodeOptions(packet[98:])
	if err != nil {
		return AnnounceRequest{}, err
	}
	req.URLData = urlData
	return req, nil
}

// SharedEvent maps the UDP event code onto the transport-independent enum.
func (r AnnounceRequest) SharedEvent() (bittorrent.AnnounceEvent, bool) {
	if r.Event >= uint32(len(udpEventToShared)) {
		return 0, false
	}
	return udpEventToShared[r.Event], true
}

// EventToUDP maps the shared announce event enum back to its BEP 15 wire
// code, for tests and for any future UDP-originated loopback.
func EventToUDP(e bittorrent.AnnounceEvent) uint32 {
	return sharedEventToUDP[e]
}

// decodeOptions parses BEP 41's TLV option stream trailing an announce
// packet. An empty tail is valid (no extensions).
func decodeOptions(tail []byte) (string, error) {
	if len(tail) == 0 {
		return "", nil
	}
	var urlData []byte
	for i := 0; i < len(tail); {
		switch tail[i] {
		case optEndOfOptions:
			return string(urlData), nil
		case optNOP:
			i++
		case optURLData:
			if i+1 >= len(tail) {
				return "", errMalformed
			}
			n := int(tail[i+1])
			start := i + 2
			if start+n > len(tail) {
				return "", errMalformed
			}
			urlData = append(urlData, tail[start:start+n]...)
			i = start + n
		default:
			return "", errMalformed
		}
	}
	return string(urlData), nil
}

// EncodeCompactPeers packs peers into BEP 23 (4-byte IP) or BEP 7 (16-byte
// IP) fixed-width records, each followed by a 2-byte big-endian port. Peers
// whose address doesn't fit ipLen are skipped rather than failing the whole
// packet.
func EncodeCompactPeers(peers []bittorrent.PeerEndpoint, ipLen int) []byte {
	buf := make([]byte, 0, len(peers)*(ipLen+2))
	for _, p := range peers {
		var ip []byte
		if ipLen == 4 {
			ip = p.IP.To4()
		} else {
			ip = p.IP.To16()
		}
		if ip == nil {
			continue
		}
		buf = append(buf, ip...)
		buf = append(buf, byte(p.Port>>8), byte(p.Port))
	}
	return buf
}

// EncodeAnnounceResponse builds an announce response: header, interval,
// leechers, seeders, then the caller-supplied compact peer bytes (already
// 6- or 18-byte records, matching the requester's IP family).
func EncodeAnnounceResponse(transactionID uint32, interval, leechers, seeders uint32, peers []byte) []byte {
	resp := make([]byte, announceHeaderSize+len(peers))
	binary.BigEndian.PutUint32(resp[0:4], ActionAnnounce)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	binary.BigEndian.PutUint32(resp[8:12], interval)
	binary.BigEndian.PutUint32(resp[12:16], leechers)
	binary.BigEndian.PutUint32(resp[16:20], seeders)
	copy(resp[20:], peers)
	return resp
}

// DecodeScrape parses a scrape request: header then N 20-byte info_hashes.
func DecodeScrape(packet []byte, maxHashes int) ([]bittorrent.InfoHash, Header, error) {
	if len(packet) < minScrapeSize {
		return nil, Header{}, errMalformed
	}
	h, _ := DecodeHeader(packet)

	body := packet[16:]
	if len(body)%bittorrent.InfoHashLen != 0 {
		return nil, Header{}, errMalformed
	}
	n := len(body) / bittorrent.InfoHashLen
	if n > maxHashes {
		return nil, Header{}, errMalformed
	}

	hashes := make([]bittorrent.InfoHash, n)
	for i := 0; i < n; i++ {
		off := i * bittorrent.InfoHashLen
		hashes[i] = bittorrent.InfoHashFromBytes(body[off : off+bittorrent.InfoHashLen])
	}
	return hashes, h, nil
}

// ScrapeEntry is one torrent's stats within a scrape response.
type ScrapeEntry struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

// EncodeScrapeResponse builds a scrape response body for the given entries,
// in the same order as the request's info_hashes.
func EncodeScrapeResponse(transactionID uint32, entries []ScrapeEntry) []byte {
	resp := make([]byte, scrapeHeaderSize+len(entries)*scrapeEntrySize)
	binary.BigEndian.PutUint32(resp[0:4], ActionScrape)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	off := scrapeHeaderSize
	for _, e := range entries {
		binary.BigEndian.PutUint32(resp[off:off+4], e.Seeders)
		binary.BigEndian.PutUint32(resp[off+4:off+8], e.Completed)
		binary.BigEndian.PutUint32(resp[off+8:off+12], e.Leechers)
		off += scrapeEntrySize
	}
	return resp
}

// EncodeError builds a BEP 15 error packet: action, transaction id, message.
func EncodeError(transactionID uint32, message string) []byte {
	resp := make([]byte, errorHeaderSize+len(message))
	binary.BigEndian.PutUint32(resp[0:4], ActionError)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	copy(resp[8:], message)
	return resp
}
