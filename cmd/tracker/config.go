package main

import "time"

// CLI is the kong-parsed command tree: a single run command exposing the
// full configuration catalog as flags, each with a matching BEACONTRACK__X
// environment variable default.
var CLI struct {
	Run struct {
		// Shared listen port: HTTP and UDP bind it independently since
		// the two protocols don't share a namespace, so binding both to
		// the same numeric port by default is intentional, not a
		// copy-paste bug.
		Port     int `help:"Default port for both HTTP and UDP, unless overridden." default:"3000" env:"BEACONTRACK__PORT"`
		HTTPPort int `help:"HTTP announce/scrape port (defaults to --port)." env:"BEACONTRACK__HTTP_PORT"`
		UDPPort  int `help:"UDP announce/scrape port (defaults to --port)." env:"BEACONTRACK__UDP_PORT"`

		Secret string `help:"Secret key for UDP connection-id signing. Empty derives a random key at startup (restart invalidates outstanding ids)." env:"BEACONTRACK__SECRET"`

		AnnounceInterval    time.Duration `help:"Interval advertised to clients between announces." default:"1800s" env:"BEACONTRACK__ANNOUNCE_INTERVAL"`
		MinAnnounceInterval time.Duration `help:"Minimum interval a client must honor between announces." default:"900s" env:"BEACONTRACK__MIN_ANNOUNCE_INTERVAL"`
		// ScrapeInterval is a scrape polling hint for well-behaved
		// clients; neither BEP 48 nor BEP 15 carry it on the wire, so it
		// is not wired into any response field (the engine has nothing
		// to put it in); reserved for a future wire extension.
		ScrapeInterval time.Duration `help:"Advisory scrape interval hint (not carried on the wire by any BEP; reserved for future compatibility)." default:"1800s" env:"BEACONTRACK__SCRAPE_INTERVAL"`

		DefaultNumWant int `help:"numwant used when a client omits it." default:"50" env:"BEACONTRACK__DEFAULT_NUMWANT"`
		MaxNumWant     int `help:"Upper clamp on a client-requested numwant." default:"200" env:"BEACONTRACK__MAX_NUMWANT"`

		PeerIdleTime time.Duration `help:"A peer not re-announcing within this long is evicted." default:"30m" env:"BEACONTRACK__PEER_IDLE_TIME"`

		AllowHTTPAnnounce bool `help:"Serve HTTP announce." default:"true" env:"BEACONTRACK__ALLOW_HTTP_ANNOUNCE"`
		AllowHTTPScrape   bool `help:"Serve HTTP scrape." default:"true" env:"BEACONTRACK__ALLOW_HTTP_SCRAPE"`
		AllowUDPAnnounce  bool `help:"Serve UDP announce." default:"true" env:"BEACONTRACK__ALLOW_UDP_ANNOUNCE"`
		AllowUDPScrape    bool `help:"Serve UDP scrape." default:"true" env:"BEACONTRACK__ALLOW_UDP_SCRAPE"`

		AllowFullScrape     bool          `help:"Allow scrape requests with no info_hash (full scrape)." default:"true" env:"BEACONTRACK__ALLOW_FULL_SCRAPE"`
		FullScrapeCacheTTL  time.Duration `help:"How long a full-scrape response is cached before the store is walked again." default:"30s" env:"BEACONTRACK__FULL_SCRAPE_CACHE_TTL"`
		MaxMultiScrapeCount int           `help:"Maximum info_hash parameters accepted in one scrape request." default:"64" env:"BEACONTRACK__MAX_MULTI_SCRAPE_COUNT"`

		AutoRegisterTorrent bool          `help:"Create a torrent on its first announce instead of requiring admin pre-registration." default:"true" env:"BEACONTRACK__AUTO_REGISTER_TORRENT"`
		BlocklistFile       string        `help:"Path to a newline-delimited hex infohash blocklist file." env:"BEACONTRACK__BLOCKLIST_FILE"`
		BlocklistRefresh    time.Duration `help:"How often to check the blocklist file's mtime for changes." default:"5m" env:"BEACONTRACK__BLOCKLIST_REFRESH"`

		MaxConcurrentRequests int64         `help:"System-wide cap on in-flight announce/scrape requests." default:"4096" env:"BEACONTRACK__MAX_CONCURRENT_REQUESTS"`
		RequestTimeout        time.Duration `help:"Per-request deadline before failing with Timeout." default:"5s" env:"BEACONTRACK__REQUEST_TIMEOUT"`
		MaxReadBufferSize     int64         `help:"Per-connection HTTP read buffer ceiling in bytes." default:"8192" env:"BEACONTRACK__MAX_READ_BUFFER_SIZE"`

		GzipScrape          bool   `help:"Gzip HTTP responses over 2 KiB when the client accepts it." default:"true" env:"BEACONTRACK__GZIP_SCRAPE"`
		IPForwardHeaderName string `help:"Trust this header (e.g. X-Forwarded-For) for the client IP ahead of the TCP source address." env:"BEACONTRACK__IP_FORWARD_HEADER_NAME"`
		AllowIPOverride     bool   `help:"Trust the announce request's own \"ip\" parameter." default:"false" env:"BEACONTRACK__ALLOW_IP_OVERRIDE"`

		APIKey string `help:"Admin API key (X-Api-Key header). Empty disables the admin surface." env:"BEACONTRACK__API_KEY"`

		UDPRateLimitBurst  int           `help:"Max UDP connect requests per source address per window (0 disables the guard)." default:"8" env:"BEACONTRACK__UDP_RATE_LIMIT_BURST"`
		UDPRateLimitWindow time.Duration `help:"UDP connect rate-limit window." default:"2m" env:"BEACONTRACK__UDP_RATE_LIMIT_WINDOW"`

		Storage    string `help:"Peer store backend: \"memory\" or \"redis\"." default:"memory" enum:"memory,redis" env:"BEACONTRACK__STORAGE"`
		ShardCount int    `help:"Shard count for the in-memory store." default:"1024" env:"BEACONTRACK__SHARD_COUNT"`

		RedisAddr               string        `help:"Redis address (host:port)." default:"127.0.0.1:6379" env:"BEACONTRACK__REDIS_ADDR"`
		RedisPassword           string        `help:"Redis password." env:"BEACONTRACK__REDIS_PASSWORD"`
		RedisDB                 int           `help:"Redis logical database index." default:"0" env:"BEACONTRACK__REDIS_DB"`
		RedisMaxConnections     int           `help:"Redis connection pool size." default:"64" env:"BEACONTRACK__REDIS_MAX_CONNECTIONS"`
		RedisMinIdleConnections int           `help:"Redis connections kept warm in the pool." default:"8" env:"BEACONTRACK__REDIS_MIN_IDLE_CONNECTIONS"`
		RedisMaxConnectionWait  time.Duration `help:"Max time a request waits for a pooled Redis connection." default:"1s" env:"BEACONTRACK__REDIS_MAX_CONNECTION_WAIT"`
		RedisKeyPrefix          string        `help:"Key prefix for every Redis key this tracker writes." default:"beacontrack:" env:"BEACONTRACK__REDIS_KEY_PREFIX"`

		Debug   bool   `help:"Enable debug-level logging." default:"false" env:"DEBUG"`
		LogFile string `help:"Also write logs to this file (in addition to stderr)." env:"BEACONTRACK__LOG_FILE"`
	} `cmd:"" default:"1" help:"Run the tracker."`

	Version struct{} `cmd:"" help:"Print the version and exit."`
}
