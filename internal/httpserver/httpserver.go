// Package httpserver is the HTTP transport for BEP 3 announce/scrape plus a
// small admin surface, built on net/http + http.ServeMux with one handler
// function per route, routed through internal/dispatch.
package httpserver

import (
	"compress/gzip"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/dispatch"
	"github.com/kirelabs/beacontrack/internal/engine"
	"github.com/kirelabs/beacontrack/internal/httpcodec"
)

// gzipThreshold is the response-body size below which a response is sent
// uncompressed even when the client and operator both allow gzip (not worth
// the CPU for a tiny body).
const gzipThreshold = 2048

// Config governs HTTP-transport-level policy: IP resolution, the admin API
// key, gzip, and the per-connection read buffer ceiling. Announce/scrape
// semantics live in engine.Config; admission/timeout/concurrency live in
// dispatch.Config.
type Config struct {
	// IPForwardHeaderName, if set, is trusted to carry the real client IP
	// (e.g. "X-Forwarded-For") ahead of the TCP source address.
	IPForwardHeaderName string
	AllowIPOverride     bool
	DefaultNumWant      int
	MaxNumWant          int
	MaxMultiScrapeCount int
	GzipScrape          bool
	MaxReadBufferSize   int64
	// APIKey gates the admin surface (/api/torrents). An empty key
	// disables the admin surface entirely (every request gets 404).
	APIKey string
}

// Server is the HTTP tracker transport.
type Server struct {
	facade *dispatch.Facade
	engine *engine.Engine
	cfg    Config
	log    zerolog.Logger
	mux    *http.ServeMux
}

// New builds a Server. engine is used only by the admin surface: direct
// torrent registration/lookup sits alongside the protocol handlers rather
// than behind the façade's announce/scrape admission policy.
func New(facade *dispatch.Facade, eng *engine.Engine, cfg Config, log zerolog.Logger) *Server {
	s := &Server{facade: facade, engine: eng, cfg: cfg, log: log}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /announce", s.handleAnnounce)
	s.mux.HandleFunc("GET /scrape", s.handleScrape)
	s.mux.HandleFunc("POST /api/torrents", s.requireAPIKey(s.handleRegisterTorrent))
	s.mux.HandleFunc("GET /api/torrents/{hash}", s.requireAPIKey(s.handleTorrentStats))
	return s
}

// Run starts an HTTP server on addr and blocks until ctx is cancelled, then
// shuts down gracefully with the same drain budget the UDP transport uses.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	if s.cfg.MaxReadBufferSize > 0 {
		// An announce/scrape request carries its whole payload in the
		// request line and headers (no body), so the read buffer ceiling
		// is enforced at the header-parsing stage.
		srv.MaxHeaderBytes = int(s.cfg.MaxReadBufferSize)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http tracker listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("http tracker shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) clientIP(r *http.Request) net.IP {
	if s.cfg.IPForwardHeaderName != "" {
		if raw := r.Header.Get(s.cfg.IPForwardHeaderName); raw != "" {
			if ip := net.ParseIP(firstForwarded(raw)); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// firstForwarded takes the left-most address of a possibly comma-separated
// X-Forwarded-For value: the original client, per convention.
func firstForwarded(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	req, cerr := httpcodec.ParseAnnounce(r.URL.Query(), s.clientIP(r), s.cfg.AllowIPOverride, s.cfg.DefaultNumWant, s.cfg.MaxNumWant)
	if cerr != nil {
		s.writeFailure(w, cerr)
		return
	}

	resp, aerr := s.facade.Announce(r.Context(), dispatch.HTTP, req)
	if aerr != nil {
		s.writeFailure(w, aerr)
		return
	}

	body, err := httpcodec.EncodeAnnounce(resp, req.Compact)
	if err != nil {
		s.log.Error().Err(err).Msg("encode announce response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeBencode(w, r, body)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	req, cerr := httpcodec.ParseScrape(r.URL.Query(), s.cfg.MaxMultiScrapeCount)
	if cerr != nil {
		s.writeFailure(w, cerr)
		return
	}

	resp, serr := s.facade.Scrape(r.Context(), dispatch.HTTP, req)
	if serr != nil {
		s.writeFailure(w, serr)
		return
	}

	body, err := httpcodec.EncodeScrape(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("encode scrape response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeBencode(w, r, body)
}

// requireAPIKey wraps an admin handler with an X-Api-Key admission check. A
// constant-time compare avoids leaking key length/prefix via response
// timing.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			http.NotFound(w, r)
			return
		}
		got := r.Header.Get("X-Api-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type registerTorrentRequest struct {
	InfoHash string `json:"info_hash"`
}

func (s *Server) handleRegisterTorrent(w http.ResponseWriter, r *http.Request) {
	var body registerTorrentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	hash, ok := bittorrent.InfoHashFromHex(body.InfoHash)
	if !ok {
		http.Error(w, "invalid info_hash", http.StatusBadRequest)
		return
	}
	if err := s.engine.Register(r.Context(), hash); err != nil {
		s.log.Error().Err(err).Stringer("info_hash", hash).Msg("register torrent")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleTorrentStats(w http.ResponseWriter, r *http.Request) {
	hash, ok := bittorrent.InfoHashFromHex(r.PathValue("hash"))
	if !ok {
		http.Error(w, "invalid info_hash", http.StatusBadRequest)
		return
	}
	stats, found, err := s.engine.Stats(r.Context(), hash)
	if err != nil {
		s.log.Error().Err(err).Stringer("info_hash", hash).Msg("torrent stats")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// writeFailure renders a bittorrent.Error as BEP 3's bencoded failure
// reason (plus BEP 31 "retry in" on retryable kinds). Announce/scrape HTTP
// responses are always 200 OK with a bencoded body, per BEP 3 convention;
// the failure is signaled in-band, not via HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err *bittorrent.Error) {
	body, encErr := httpcodec.EncodeFailure(err)
	if encErr != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

// writeBencode writes a bencoded body, gzip-compressing it when
// gzip_scrape is enabled, the body clears the gzip threshold, and the
// client advertised Accept-Encoding: gzip.
func (s *Server) writeBencode(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "text/plain")
	if s.cfg.GzipScrape && len(body) > gzipThreshold && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(body)
		return
	}
	_, _ = w.Write(body)
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(enc, ",") {
			if strings.TrimSpace(part) == "gzip" {
				return true
			}
		}
	}
	return false
}
