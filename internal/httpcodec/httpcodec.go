// Package httpcodec parses BEP 3 HTTP announce/scrape query strings into
// bittorrent request values and encodes bittorrent responses back into
// bencoded HTTP bodies (BEP 23 compact peers, BEP 7 peers6, BEP 31 retry
// hints).
package httpcodec

import (
	"net"
	"net/url"
	"strconv"

	"github.com/kirelabs/beacontrack/internal/bencode"
	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/udpcodec"
)

// ParseAnnounce decodes an HTTP announce query string. sourceIP is the
// connection's peer address as seen by the transport; it is overridden by
// the "ip" query parameter only when allowIPOverride is set (operator
// policy: trusting client-supplied IPs is unsafe behind an unvetted
// reverse proxy).
func ParseAnnounce(q url.Values, sourceIP net.IP, allowIPOverride bool, defaultNumWant, maxNumWant int) (bittorrent.AnnounceRequest, *bittorrent.Error) {
	infoHash, err := requiredHash(q, "info_hash")
	if err != nil {
		return bittorrent.AnnounceRequest{}, err
	}
	peerIDRaw, err := requiredHash(q, "peer_id")
	if err != nil {
		return bittorrent.AnnounceRequest{}, err
	}

	port, perr := requiredUint(q, "port", 16)
	if perr != nil {
		return bittorrent.AnnounceRequest{}, invalidf("port")
	}

	uploaded, _ := optionalUint(q, "uploaded")
	downloaded, _ := optionalUint(q, "downloaded")
	left, lerr := requiredUint(q, "left", 64)
	if lerr != nil {
		return bittorrent.AnnounceRequest{}, invalidf("left")
	}

	event, ok := bittorrent.ParseAnnounceEvent(q.Get("event"))
	if !ok {
		return bittorrent.AnnounceRequest{}, invalidf("event")
	}
	if port == 0 && event != bittorrent.EventStopped {
		return bittorrent.AnnounceRequest{}, invalidf("port")
	}

	numWant := int32(-1)
	if raw := q.Get("numwant"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 0 {
			return bittorrent.AnnounceRequest{}, invalidf("numwant")
		}
		numWant = int32(n)
	}

	compact := true
	if raw := q.Get("compact"); raw != "" {
		compact = raw != "0"
	}

	ip := sourceIP
	if allowIPOverride {
		if raw := q.Get("ip"); raw != "" {
			if parsed := net.ParseIP(raw); parsed != nil {
				ip = parsed
			}
		}
	}
	if ip == nil {
		return bittorrent.AnnounceRequest{}, invalidf("ip")
	}

	ownFamily := bittorrent.FamilyOf(ip)
	families := []bittorrent.IPFamily{ownFamily}
	if wantsDualStack(q) {
		if ownFamily == bittorrent.IPv6 {
			families = append(families, bittorrent.IPv4)
		} else {
			families = append(families, bittorrent.IPv6)
		}
	}

	return bittorrent.AnnounceRequest{
		InfoHash:   bittorrent.InfoHashFromBytes(infoHash),
		PeerID:     bittorrent.PeerIDFromBytes(peerIDRaw),
		Endpoint:   bittorrent.PeerEndpoint{IP: ip, Port: uint16(port)},
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    clampNumWant(numWant, int32(defaultNumWant), int32(maxNumWant)),
		Compact:    compact,
		Key:        q.Get("key"),
		Families:   families,
	}, nil
}

// wantsDualStack reports BEP 7 dual-family support: a client signals this
// either with an explicit "ipv6=" parameter or by asking for "peers6".
func wantsDualStack(q url.Values) bool {
	return q.Get("ipv6") != "" || q.Get("peers6") != ""
}

func clampNumWant(requested, def, max int32) int32 {
	if requested < 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// ParseScrape decodes an HTTP scrape query string. No info_hash parameters
// means a full-scrape request.
func ParseScrape(q url.Values, maxMultiScrape int) (bittorrent.ScrapeRequest, *bittorrent.Error) {
	raw := q["info_hash"]
	if len(raw) > maxMultiScrape {
		return bittorrent.ScrapeRequest{}, invalidf("info_hash")
	}
	hashes := make([]bittorrent.InfoHash, 0, len(raw))
	for _, v := range raw {
		if len(v) != bittorrent.InfoHashLen {
			return bittorrent.ScrapeRequest{}, invalidf("info_hash")
		}
		hashes = append(hashes, bittorrent.InfoHashFromBytes([]byte(v)))
	}
	return bittorrent.ScrapeRequest{InfoHashes: hashes}, nil
}

func requiredHash(q url.Values, key string) ([]byte, *bittorrent.Error) {
	v := q.Get(key)
	if len(v) != bittorrent.InfoHashLen {
		return nil, invalidf(key)
	}
	return []byte(v), nil
}

func requiredUint(q url.Values, key string, bits int) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(v, 10, bits)
}

func optionalUint(q url.Values, key string) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func invalidf(field string) *bittorrent.Error {
	return bittorrent.NewError(bittorrent.KindInvalidRequest, errMissingOrInvalid{field})
}

type errMissingOrInvalid struct{ field string }

func (e errMissingOrInvalid) Error() string {
	return "missing or invalid parameter: " + e.field
}

// --- response encoding ---

// EncodeAnnounce renders a successful announce response as a bencoded HTTP
// body, compact (BEP 23/7) or legacy depending on what the client asked for.
//
// Responses are built as plain map[string]any rather than tagged structs:
// bencode dictionaries are required to have lexicographically sorted keys,
// and encoding a map (instead of relying on a library's struct-tag/omitempty
// support, which bencode-go documents only loosely) is both simpler and
// guaranteed to produce that order.
func EncodeAnnounce(resp bittorrent.AnnounceResponse, compact bool) ([]byte, error) {
	dict := map[string]any{
		"interval":     int(resp.Interval.Seconds()),
		"min interval": int(resp.MinInterval.Seconds()),
		"complete":     resp.Complete,
		"incomplete":   resp.Incomplete,
	}

	if compact {
		dict["peers"] = compactPeers(resp.IPv4Peers, 4)
		if len(resp.IPv6Peers) > 0 {
			dict["peers6"] = compactPeers(resp.IPv6Peers, 16)
		}
		return bencode.Marshal(dict)
	}

	peers := make([]map[string]any, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	for _, p := range resp.IPv4Peers {
		peers = append(peers, map[string]any{"ip": p.IP.String(), "port": int(p.Port)})
	}
	for _, p := range resp.IPv6Peers {
		peers = append(peers, map[string]any{"ip": p.IP.String(), "port": int(p.Port)})
	}
	dict["peers"] = peers
	return bencode.Marshal(dict)
}

func compactPeers(peers []bittorrent.PeerEndpoint, ipLen int) string {
	return string(udpcodec.EncodeCompactPeers(peers, ipLen))
}

// EncodeFailure renders an error as BEP 3's {"failure reason": ...} dict,
// with BEP 31's "retry in" included when the error kind is retryable.
func EncodeFailure(err *bittorrent.Error) ([]byte, error) {
	dict := map[string]any{"failure reason": err.Kind.String()}
	if err.Retryable {
		dict["retry in"] = err.RetryIn
	}
	return bencode.Marshal(dict)
}

// EncodeScrape renders a scrape response as BEP 48's {"files": {...}} dict.
func EncodeScrape(resp bittorrent.ScrapeResponse) ([]byte, error) {
	files := make(map[string]any, len(resp.Files))
	for hash, stats := range resp.Files {
		files[string(hash.Bytes())] = map[string]any{
			"complete":   stats.Complete,
			"downloaded": stats.Downloaded,
			"incomplete": stats.Incomplete,
		}
	}
	return bencode.Marshal(map[string]any{"files": files})
}
