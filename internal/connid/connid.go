// Package connid issues and validates the 64-bit UDP connection
// identifiers BEP 15 clients must present on announce/scrape packets, using
// an HMAC syn-cookie keyed on a rolling time window so no per-client state
// needs to be stored.
package connid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"
)

// WindowSize is the duration of one connection-id validity window. A
// connection id issued at time t validates for any client sharing the
// source IP until the end of the window after the one containing t: at
// least WindowSize and just under 2*WindowSize after t, depending on where
// t falls in its window.
const WindowSize = 60 * time.Second

// Service issues and validates connection ids for one process lifetime.
// It is safe for concurrent use.
type Service struct {
	secret [32]byte
	now    func() time.Time
}

// New builds a Service from an operator-configured secret. An empty secret
// derives a random one (crypto/rand), so a restart invalidates every
// outstanding connection id and clients fall back to a fresh connect.
func New(secret string) (*Service, error) {
	s := &Service{now: time.Now}
	if secret == "" {
		if _, err := rand.Read(s.secret[:]); err != nil {
			return nil, err
		}
		return s, nil
	}
	h := sha256.New()
	h.Write([]byte(secret))
	copy(s.secret[:], h.Sum(nil))
	return s, nil
}

func windowIndex(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(WindowSize/time.Second)
}

func (s *Service) mac(window uint64, ip net.IP) uint64 {
	mac := hmac.New(sha256.New, s.secret[:])
	var wbuf [8]byte
	binary.BigEndian.PutUint64(wbuf[:], window)
	mac.Write(wbuf[:])
	mac.Write(ip.To16())
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Issue returns a fresh connection id bound to ip and the current window.
func (s *Service) Issue(ip net.IP) uint64 {
	return s.mac(windowIndex(s.now()), ip)
}

// Validate reports whether id was issued for ip within the current window
// or the immediately preceding one, giving clients a 1-2 minute grace
// period around a window boundary.
func (s *Service) Validate(id uint64, ip net.IP) bool {
	current := windowIndex(s.now())
	if id == s.mac(current, ip) {
		return true
	}
	if current == 0 {
		return false
	}
	return id == s.mac(current-1, ip)
}
