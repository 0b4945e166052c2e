// Command bench is a UDP tracker load-test tool: it spins up a pool of
// workers that connect, then repeatedly announce and scrape against a
// target tracker, reporting throughput and latency percentiles. It builds
// requests against the same wire constants internal/udpcodec's server side
// decodes
// (udpcodec.ProtocolID, udpcodec.ActionAnnounce, ...) so a protocol change
// in one place is felt in both the tracker and its own load-test tool.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
	"github.com/kirelabs/beacontrack/internal/udpcodec"
)

const responseTimeout = 5 * time.Second

type latencyStats struct {
	mu    sync.Mutex
	items []time.Duration
}

func (l *latencyStats) record(d time.Duration) {
	l.mu.Lock()
	l.items = append(l.items, d)
	l.mu.Unlock()
}

func (l *latencyStats) sorted() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Duration, len(l.items))
	copy(out, l.items)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *latencyStats) percentile(p float64) time.Duration {
	s := l.sorted()
	if len(s) == 0 {
		return 0
	}
	idx := int(float64(len(s)) * p / 100)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func (l *latencyStats) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

type stats struct {
	startTime time.Time

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	connects   atomic.Uint64
	announces  atomic.Uint64
	scrapes    atomic.Uint64

	connectLatency  latencyStats
	announceLatency latencyStats
	scrapeLatency   latencyStats
}

type config struct {
	target      string
	duration    time.Duration
	concurrency int
	numHashes   int
	numWant     int
}

func main() {
	var cfg config
	flag.StringVar(&cfg.target, "target", "127.0.0.1:3000", "tracker UDP address (host:port)")
	flag.DurationVar(&cfg.duration, "duration", 30*time.Second, "benchmark duration")
	flag.IntVar(&cfg.concurrency, "concurrency", 100, "number of concurrent workers")
	flag.IntVar(&cfg.numHashes, "hashes", 5, "number of info hashes per worker")
	flag.IntVar(&cfg.numWant, "numwant", 50, "numwant sent on each announce")
	flag.Parse()

	st := &stats{startTime: time.Now()}

	fmt.Printf("target=%s duration=%s concurrency=%d hashes=%d\n", cfg.target, cfg.duration, cfg.concurrency, cfg.numHashes)

	stopCh := make(chan struct{})
	go reportProgress(st, stopCh)

	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go worker(i, cfg, st, stopCh, &wg)
	}

	time.Sleep(cfg.duration)
	close(stopCh)
	wg.Wait()

	printResults(cfg, st)
}

func worker(id int, cfg config, st *stats, stopCh chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	conn, err := net.Dial("udp", cfg.target)
	if err != nil {
		fmt.Printf("worker %d: dial failed: %v\n", id, err)
		return
	}
	defer conn.Close()
	udpConn := conn.(*net.UDPConn)
	_ = udpConn.SetDeadline(time.Now().Add(cfg.duration + 10*time.Second))

	peerID := bittorrent.PeerIDFromBytes(syntheticID(id, 0))
	hashes := make([]bittorrent.InfoHash, cfg.numHashes)
	for i := range hashes {
		hashes[i] = bittorrent.InfoHashFromBytes(syntheticID(id, i+1))
	}

	connID, err := doConnect(udpConn, st)
	if err != nil {
		fmt.Printf("worker %d: initial connect failed: %v\n", id, err)
		return
	}

	var connIDAtomic atomic.Uint64
	connIDAtomic.Store(connID)

	// Connection ids stay valid for between one and two windows of
	// connid.WindowSize (60s) after issue; refresh inside the one-window
	// minimum to avoid a burst of ConnIdMismatch failures mid-run.
	refresh := time.NewTicker(45 * time.Second)
	defer refresh.Stop()
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-refresh.C:
				if newID, err := doConnect(udpConn, st); err == nil {
					connIDAtomic.Store(newID)
				}
			}
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		for _, hash := range hashes {
			select {
			case <-stopCh:
				return
			default:
			}
			if err := doAnnounce(udpConn, connIDAtomic.Load(), hash, peerID, cfg.numWant, st); err != nil {
				st.failed.Add(1)
			}
		}
		if err := doScrape(udpConn, connIDAtomic.Load(), hashes, st); err != nil {
			st.failed.Add(1)
		}
	}
}

func syntheticID(workerID, n int) []byte {
	var b [20]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(workerID))
	binary.BigEndian.PutUint32(b[4:8], uint32(n))
	return b[:]
}

func doConnect(conn *net.UDPConn, st *stats) (uint64, error) {
	start := time.Now()
	txID := uint32(time.Now().UnixNano())

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpcodec.ProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpcodec.ActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	defer func() {
		st.connectLatency.record(time.Since(start))
		st.total.Add(1)
	}()

	if _, err := conn.Write(req); err != nil {
		st.failed.Add(1)
		return 0, err
	}
	resp := make([]byte, 16)
	n, err := readMatching(conn, resp, udpcodec.ActionConnect, txID)
	if err != nil {
		st.failed.Add(1)
		return 0, err
	}
	st.successful.Add(1)
	st.connects.Add(1)
	return binary.BigEndian.Uint64(resp[n-8 : n]), nil
}

func doAnnounce(conn *net.UDPConn, connID uint64, hash bittorrent.InfoHash, peerID bittorrent.PeerID, numWant int, st *stats) error {
	start := time.Now()
	txID := uint32(time.Now().UnixNano())

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpcodec.ActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], hash.Bytes())
	copy(req[36:56], peerID.Bytes())
	binary.BigEndian.PutUint64(req[56:64], 0)   // downloaded
	binary.BigEndian.PutUint64(req[64:72], 100) // left (leecher)
	binary.BigEndian.PutUint64(req[72:80], 0)   // uploaded
	binary.BigEndian.PutUint32(req[80:84], udpcodec.UDPEventNone)
	binary.BigEndian.PutUint32(req[84:88], 0) // ip (0 = from packet)
	binary.BigEndian.PutUint32(req[88:92], 0) // key
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], 6881)

	defer func() {
		st.announceLatency.record(time.Since(start))
		st.total.Add(1)
	}()

	if _, err := conn.Write(req); err != nil {
		st.failed.Add(1)
		return err
	}
	resp := make([]byte, 1500)
	if _, err := readMatching(conn, resp, udpcodec.ActionAnnounce, txID); err != nil {
		st.failed.Add(1)
		return err
	}
	st.successful.Add(1)
	st.announces.Add(1)
	return nil
}

func doScrape(conn *net.UDPConn, connID uint64, hashes []bittorrent.InfoHash, st *stats) error {
	start := time.Now()
	txID := uint32(time.Now().UnixNano())

	req := make([]byte, 16+20*len(hashes))
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpcodec.ActionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	for i, h := range hashes {
		copy(req[16+i*20:16+(i+1)*20], h.Bytes())
	}

	defer func() {
		st.scrapeLatency.record(time.Since(start))
		st.total.Add(1)
	}()

	if _, err := conn.Write(req); err != nil {
		st.failed.Add(1)
		return err
	}
	resp := make([]byte, 8+12*len(hashes))
	if _, err := readMatching(conn, resp, udpcodec.ActionScrape, txID); err != nil {
		st.failed.Add(1)
		return err
	}
	st.successful.Add(1)
	st.scrapes.Add(1)
	return nil
}

func readMatching(conn *net.UDPConn, buf []byte, wantAction, wantTxID uint32) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, fmt.Errorf("short response: %d bytes", n)
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	txID := binary.BigEndian.Uint32(buf[4:8])
	if action != wantAction || txID != wantTxID {
		return 0, fmt.Errorf("response mismatch: action=%d txid=%d", action, txID)
	}
	return n, nil
}

func reportProgress(st *stats, stopCh chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(st.startTime)
			total := st.total.Load()
			rps := float64(total) / elapsed.Seconds()
			fmt.Printf("[%s] total=%d rps=%.0f success=%d failed=%d\n",
				elapsed.Round(time.Second), total, rps, st.successful.Load(), st.failed.Load())
		case <-stopCh:
			return
		}
	}
}

func printResults(cfg config, st *stats) {
	elapsed := time.Since(st.startTime)
	total := st.total.Load()

	fmt.Println()
	fmt.Println("=== results ===")
	fmt.Printf("duration:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("total:        %d (%.0f req/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("successful:   %d\n", st.successful.Load())
	fmt.Printf("failed:       %d\n", st.failed.Load())
	fmt.Printf("connects:     %d\n", st.connects.Load())
	fmt.Printf("announces:    %d\n", st.announces.Load())
	fmt.Printf("scrapes:      %d\n", st.scrapes.Load())

	printLatency := func(name string, l *latencyStats) {
		if l.count() == 0 {
			return
		}
		fmt.Printf("%-10s p50=%-10s p95=%-10s p99=%-10s (n=%d)\n",
			name, l.percentile(50), l.percentile(95), l.percentile(99), l.count())
	}
	printLatency("connect", &st.connectLatency)
	printLatency("announce", &st.announceLatency)
	printLatency("scrape", &st.scrapeLatency)
}
