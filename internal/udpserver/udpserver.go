// Package udpserver is the UDP transport for BEP 15/41: one socket per
// configured address, dispatching connect/announce/scrape packets through
// internal/dispatch. A sync.Pool supplies per-packet read buffers, each
// packet is handled on its own goroutine, and a sync.WaitGroup drains
// in-flight handlers gracefully on shutdown.
package udpserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/dispatch"
	"github.com/kirelabs/beacontrack/internal/engine"
	"github.com/kirelabs/beacontrack/internal/udpcodec"
)

// maxPacketSize is a typical unfragmented Ethernet MTU.
const maxPacketSize = 1500

// shutdownDrainTimeout bounds how long Run waits for in-flight packet
// handlers to finish once the listeners are closed.
const shutdownDrainTimeout = 30 * time.Second

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, maxPacketSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufPool.Put(buf)
}

// Config governs UDP-server-level policy that is not part of the dispatch
// façade or the engine: an optional per-connect rate limit guard (connect
// handshakes, unlike announce/scrape, are never exempt from rate limiting)
// and the multi-scrape cap echoed from engine.Config.
type Config struct {
	MaxMultiScrapeCount int
	// RateLimitWindow/RateLimitBurst configure the optional connect-abuse
	// guard; a zero RateLimitBurst disables the guard entirely.
	RateLimitWindow time.Duration
	RateLimitBurst  int
	// Ready, if set, is called once with the bound listener addresses
	// right before Run starts serving (v6 is nil if IPv6 bind failed).
	// Tests use this to discover an ephemeral port chosen with Port 0.
	Ready func(v4, v6 net.Addr)
}

// Server is the UDP tracker transport.
type Server struct {
	engine  *engine.Engine
	facade  *dispatch.Facade
	cfg     Config
	log     zerolog.Logger
	limiter *rateLimiter

	wg    sync.WaitGroup
	conn4 *net.UDPConn
	conn6 *net.UDPConn
}

// New builds a Server. log should already be configured with any
// process-wide fields (component name, etc.) the caller wants attached.
func New(e *engine.Engine, facade *dispatch.Facade, cfg Config, log zerolog.Logger) *Server {
	s := &Server{engine: e, facade: facade, cfg: cfg, log: log}
	if cfg.RateLimitBurst > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = 2 * time.Minute
		}
		s.limiter = newRateLimiter(window, cfg.RateLimitBurst)
	}
	return s
}

// Run binds a UDP socket on port for both IPv4 and IPv6 (two distinct
// sockets, since "udp"+unspecified-IP dual-stack binding is not portable)
// and serves until ctx is cancelled, then drains in-flight handlers before
// returning.
func (s *Server) Run(ctx context.Context, port int) error {
	conn4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return err
	}
	s.conn4 = conn4
	s.log.Info().Int("port", port).Msg("udp tracker listening (ipv4)")

	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: port})
	if err != nil {
		s.log.Warn().Err(err).Msg("ipv6 udp listener unavailable")
	} else {
		s.conn6 = conn6
		s.log.Info().Int("port", port).Msg("udp tracker listening (ipv6)")
	}

	if s.cfg.Ready != nil {
		var v6Addr net.Addr
		if conn6 != nil {
			v6Addr = conn6.LocalAddr()
		}
		s.cfg.Ready(conn4.LocalAddr(), v6Addr)
	}

	go s.listen(ctx, conn4)
	if conn6 != nil {
		go s.listen(ctx, conn6)
	}

	<-ctx.Done()
	s.log.Info().Msg("udp tracker shutting down")
	conn4.Close()
	if conn6 != nil {
		conn6.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownDrainTimeout):
		return context.DeadlineExceeded
	}
}

func (s *Server) listen(ctx context.Context, conn *net.UDPConn) {
	for {
		buf := getBuffer()
		*buf = (*buf)[:cap(*buf)]

		n, addr, err := conn.ReadFromUDP(*buf)
		if err != nil {
			putBuffer(buf)
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("udp read failed")
			continue
		}
		*buf = (*buf)[:n]

		s.wg.Add(1)
		go func(addr *net.UDPAddr, buf *[]byte) {
			defer s.wg.Done()
			defer putBuffer(buf)
			s.handlePacket(ctx, conn, addr, *buf)
		}(addr, buf)
	}
}

func (s *Server) handlePacket(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte) {
	header, ok := udpcodec.DecodeHeader(packet)
	if !ok {
		return // too short to even carry a transaction id to error back with
	}

	switch header.Action {
	case udpcodec.ActionConnect:
		s.handleConnect(conn, addr, header)
	case udpcodec.ActionAnnounce:
		if !s.engine.ValidateConnID(header.ConnID, addr.IP) {
			s.sendError(conn, addr, header.TransactionID, bittorrent.KindConnIDMismatch.String())
			return
		}
		s.handleAnnounce(ctx, conn, addr, packet, header)
	case udpcodec.ActionScrape:
		if !s.engine.ValidateConnID(header.ConnID, addr.IP) {
			s.sendError(conn, addr, header.TransactionID, bittorrent.KindConnIDMismatch.String())
			return
		}
		s.handleScrape(ctx, conn, addr, packet, header)
	default:
		s.sendError(conn, addr, header.TransactionID, "unknown action")
	}
}

func (s *Server) handleConnect(conn *net.UDPConn, addr *net.UDPAddr, header udpcodec.Header) {
	if _, ok := udpcodec.DecodeConnect(header); !ok {
		s.sendError(conn, addr, header.TransactionID, "invalid protocol id")
		return
	}

	if s.limiter != nil {
		if allowed, _ := s.limiter.allow(addr); !allowed {
			s.sendError(conn, addr, header.TransactionID, "rate limit exceeded, try again later")
			return
		}
	}

	connID := s.engine.Connect(addr.IP)
	resp := udpcodec.EncodeConnectResponse(header.TransactionID, connID)
	s.write(conn, addr, resp)
}

func (s *Server) handleAnnounce(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte, header udpcodec.Header) {
	req, err := udpcodec.DecodeAnnounce(packet)
	if err != nil {
		s.sendError(conn, addr, header.TransactionID, bittorrent.KindInvalidRequest.String())
		return
	}

	sharedEvent, ok := req.SharedEvent()
	if !ok {
		s.sendError(conn, addr, header.TransactionID, bittorrent.KindInvalidRequest.String())
		return
	}

	clientIP := addr.IP
	clientIsV4 := clientIP.To4() != nil
	if req.IP != 0 {
		if !clientIsV4 {
			s.sendError(conn, addr, header.TransactionID, "IP override requires an IPv4 client")
			return
		}
		clientIP = net.IPv4(byte(req.IP>>24), byte(req.IP>>16), byte(req.IP>>8), byte(req.IP))
	}
	if req.Port == 0 && sharedEvent != bittorrent.EventStopped {
		s.sendError(conn, addr, header.TransactionID, "port cannot be 0")
		return
	}

	family := bittorrent.FamilyOf(clientIP)

	ann := bittorrent.AnnounceRequest{
		InfoHash:   req.InfoHash,
		PeerID:     req.PeerID,
		Endpoint:   bittorrent.PeerEndpoint{IP: clientIP, Port: req.Port},
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Event:      sharedEvent,
		NumWant:    req.NumWant,
		Compact:    true,
		Key:        keyToString(req.Key),
		Families:   []bittorrent.IPFamily{family},
	}

	resp, aerr := s.facade.Announce(ctx, dispatch.UDP, ann)
	if aerr != nil {
		s.sendError(conn, addr, header.TransactionID, aerr.Kind.String())
		return
	}

	peerByteLen := 6
	peers := resp.IPv4Peers
	if family == bittorrent.IPv6 {
		peerByteLen = 18
		peers = resp.IPv6Peers
	}
	compact := udpcodec.EncodeCompactPeers(peers, peerByteLen-2)

	wire := udpcodec.EncodeAnnounceResponse(
		header.TransactionID,
		uint32(resp.Interval.Seconds()),
		uint32(resp.Incomplete),
		uint32(resp.Complete),
		compact,
	)
	s.write(conn, addr, wire)
}

func (s *Server) handleScrape(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte, header udpcodec.Header) {
	maxHashes := s.cfg.MaxMultiScrapeCount
	if maxHashes <= 0 {
		maxHashes = 1 << 20 // effectively unbounded; real deployments always configure this
	}

	hashes, _, err := udpcodec.DecodeScrape(packet, maxHashes)
	if err != nil {
		s.sendError(conn, addr, header.TransactionID, bittorrent.KindInvalidRequest.String())
		return
	}

	resp, serr := s.facade.Scrape(ctx, dispatch.UDP, bittorrent.ScrapeRequest{InfoHashes: hashes})
	if serr != nil {
		s.sendError(conn, addr, header.TransactionID, serr.Kind.String())
		return
	}

	entries := make([]udpcodec.ScrapeEntry, len(hashes))
	for i, h := range hashes {
		stats := resp.Files[h] // zero value for an unknown torrent, per BEP 15
		entries[i] = udpcodec.ScrapeEntry{
			Seeders:   uint32(stats.Complete),
			Completed: uint32(stats.Downloaded),
			Leechers:  uint32(stats.Incomplete),
		}
	}

	wire := udpcodec.EncodeScrapeResponse(header.TransactionID, entries)
	s.write(conn, addr, wire)
}

func (s *Server) sendError(conn *net.UDPConn, addr *net.UDPAddr, transactionID uint32, message string) {
	s.write(conn, addr, udpcodec.EncodeError(transactionID, message))
}

func (s *Server) write(conn *net.UDPConn, addr *net.UDPAddr, payload []byte) {
	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		s.log.Debug().Err(err).Stringer("addr", addr).Msg("udp write failed")
	}
}

// keyToString renders the BEP 15 4-byte key field as a fixed-width hex
// string so it round-trips identically to the HTTP codec's opaque string
// key onto bittorrent.PeerRecord.Key.
func keyToString(key uint32) string {
	const hexDigits = "0123456789abcdef"
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[key&0xf]
		key >>= 4
	}
	return string(b[:])
}
