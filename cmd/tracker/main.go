// Command tracker is beacontrack's single-binary bootstrap: it parses the
// command line (github.com/alecthomas/kong), wires the core packages
// (internal/engine, internal/store/{memstore,redisstore}, internal/connid,
// internal/scrapecache, internal/dispatch) to the two transports
// (internal/httpserver, internal/udpserver), and runs until a signal
// requests shutdown. Deliberately thin: every decision of substance lives
// in the packages it wires together.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/kirelabs/beacontrack/internal/blocklist"
	"github.com/kirelabs/beacontrack/internal/connid"
	"github.com/kirelabs/beacontrack/internal/dispatch"
	"github.com/kirelabs/beacontrack/internal/engine"
	"github.com/kirelabs/beacontrack/internal/httpserver"
	"github.com/kirelabs/beacontrack/internal/scrapecache"
	"github.com/kirelabs/beacontrack/internal/store"
	"github.com/kirelabs/beacontrack/internal/store/memstore"
	"github.com/kirelabs/beacontrack/internal/store/redisstore"
	"github.com/kirelabs/beacontrack/internal/udpserver"
)

var version = "dev"

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("beacontrack"),
		kong.Description("A BitTorrent tracker speaking BEP 3 (HTTP) and BEP 15 (UDP)."),
	)

	switch ctx.Command() {
	case "version":
		fmt.Println(version)
		return
	default:
		if err := run(); err != nil {
			fmt.Fprintln(os.Stderr, "beacontrack:", err)
			os.Exit(exitCodeFor(err))
		}
	}
}

// configError and bindError distinguish the two fatal exit codes (1: bad
// configuration, 2: listener bind failure) from an ordinary clean
// shutdown (0).
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

type bindError struct{ err error }

func (e bindError) Error() string { return e.err.Error() }
func (e bindError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var cfgErr configError
	var bErr bindError
	switch {
	case errors.As(err, &cfgErr):
		return 1
	case errors.As(err, &bErr):
		return 2
	default:
		return 1
	}
}

func run() error {
	cfg := CLI.Run

	log, closeLog, err := newLogger(cfg.Debug, cfg.LogFile)
	if err != nil {
		return configError{fmt.Errorf("opening log file: %w", err)}
	}
	defer closeLog()

	log.Info().Str("version", version).Msg("starting beacontrack")

	httpPort := cfg.HTTPPort
	if httpPort == 0 {
		httpPort = cfg.Port
	}
	udpPort := cfg.UDPPort
	if udpPort == 0 {
		udpPort = cfg.Port
	}
	if httpPort == udpPort {
		log.Info().Int("port", httpPort).Msg("http and udp share one numeric port; the TCP and UDP namespaces don't collide, so this is supported, not a misconfiguration")
	}

	connSvc, err := connid.New(cfg.Secret)
	if err != nil {
		return configError{fmt.Errorf("building connection-id service: %w", err)}
	}
	if cfg.Secret == "" {
		log.Warn().Msg("no --secret configured; using a process-random connection-id key (restarts invalidate outstanding connection ids)")
	}

	peerStore, closeStore, err := buildStore(cfg.Storage, cfg.ShardCount, cfg.PeerIdleTime, redisstore.Options{
		Addr:               cfg.RedisAddr,
		Password:           cfg.RedisPassword,
		DB:                 cfg.RedisDB,
		MaxConnections:     cfg.RedisMaxConnections,
		MinIdleConnections: cfg.RedisMinIdleConnections,
		MaxConnectionWait:  cfg.RedisMaxConnectionWait,
		PeerIdleTime:       cfg.PeerIdleTime,
		KeyPrefix:          cfg.RedisKeyPrefix,
	})
	if err != nil {
		return configError{fmt.Errorf("building peer store: %w", err)}
	}
	defer closeStore()

	eng := engine.New(peerStore, connSvc, engine.Config{
		AnnounceInterval:    cfg.AnnounceInterval,
		MinAnnounceInterval: cfg.MinAnnounceInterval,
		DefaultNumWant:      int32(cfg.DefaultNumWant),
		MaxNumWant:          int32(cfg.MaxNumWant),
		AutoRegisterTorrent: cfg.AutoRegisterTorrent,
		AllowFullScrape:     cfg.AllowFullScrape,
		MaxMultiScrapeCount: cfg.MaxMultiScrapeCount,
	})

	cache := scrapecache.New(cfg.FullScrapeCacheTTL, eng.FullScrape)

	blocklistMgr := blocklist.NewManager()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BlocklistFile != "" {
		if err := blocklistMgr.Watch(ctx, cfg.BlocklistFile, cfg.BlocklistRefresh); err != nil {
			return configError{fmt.Errorf("loading blocklist: %w", err)}
		}
		log.Info().Str("path", cfg.BlocklistFile).Int("count", blocklistMgr.Current().Len()).Msg("blocklist loaded")
	}

	facade := dispatch.New(eng, blocklistMgr, cache, dispatch.Config{
		AllowHTTPAnnounce:     cfg.AllowHTTPAnnounce,
		AllowHTTPScrape:       cfg.AllowHTTPScrape,
		AllowUDPAnnounce:      cfg.AllowUDPAnnounce,
		AllowUDPScrape:        cfg.AllowUDPScrape,
		AllowFullScrape:       cfg.AllowFullScrape,
		RequestTimeout:        cfg.RequestTimeout,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
	})

	go expiryLoop(ctx, peerStore, cfg.PeerIdleTime, log)

	httpSrv := httpserver.New(facade, eng, httpserver.Config{
		IPForwardHeaderName: cfg.IPForwardHeaderName,
		AllowIPOverride:     cfg.AllowIPOverride,
		DefaultNumWant:      cfg.DefaultNumWant,
		MaxNumWant:          cfg.MaxNumWant,
		MaxMultiScrapeCount: cfg.MaxMultiScrapeCount,
		GzipScrape:          cfg.GzipScrape,
		MaxReadBufferSize:   cfg.MaxReadBufferSize,
		APIKey:              cfg.APIKey,
	}, log.With().Str("transport", "http").Logger())

	udpSrv := udpserver.New(eng, facade, udpserver.Config{
		MaxMultiScrapeCount: cfg.MaxMultiScrapeCount,
		RateLimitWindow:     cfg.UDPRateLimitWindow,
		RateLimitBurst:      cfg.UDPRateLimitBurst,
	}, log.With().Str("transport", "udp").Logger())

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpSrv.Run(ctx, fmt.Sprintf(":%d", httpPort)); err != nil {
			errCh <- bindError{fmt.Errorf("http server: %w", err)}
		}
	}()
	go func() {
		defer wg.Done()
		if err := udpSrv.Run(ctx, udpPort); err != nil {
			errCh <- bindError{fmt.Errorf("udp server: %w", err)}
		}
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		wg.Wait()
		log.Info().Msg("shutdown complete")
		return nil
	}
}

// buildStore selects the peer-store backend per --storage, resolving the
// engine's store.Store once at startup rather than per request.
func buildStore(backend string, shardCount int, peerIdleTime time.Duration, redisOpts redisstore.Options) (store.Store, func(), error) {
	switch backend {
	case "redis":
		rs := redisstore.New(redisOpts)
		return rs, func() { _ = rs.Close() }, nil
	case "memory", "":
		return memstore.New(shardCount, peerIdleTime), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// expiryLoop periodically sweeps idle peers. memstore needs this (its
// Expire walks each shard's expiry index); redisstore relies on Redis's
// own key TTL and implements Expire as a cheap no-op, so the loop is safe
// to run regardless of the configured backend.
func expiryLoop(ctx context.Context, s store.Store, peerIdleTime time.Duration, log zerolog.Logger) {
	if peerIdleTime <= 0 {
		return
	}
	ticker := time.NewTicker(peerIdleTime / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Expire(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("peer expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("evicted", n).Msg("expired idle peers")
			}
		}
	}
}
