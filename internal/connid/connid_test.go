package connid

import (
	"net"
	"testing"
	"time"
)

func newTestService(t *testing.T, at time.Time) *Service {
	t.Helper()
	s, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return at }
	return s
}

func TestIssueThenValidate(t *testing.T) {
	ip := net.ParseIP("192.0.2.5")
	s := newTestService(t, time.Unix(1_700_000_000, 0))

	id := s.Issue(ip)
	if !s.Validate(id, ip) {
		t.Fatal("expected freshly issued id to validate")
	}
}

func TestValidateWithinRollingWindow(t *testing.T) {
	ip := net.ParseIP("192.0.2.5")
	issueTime := time.Unix(1_700_000_000, 0)
	s := newTestService(t, issueTime)
	id := s.Issue(ip)

	// still within [t, t+60s): same window
	s.now = func() time.Time { return issueTime.Add(30 * time.Second) }
	if !s.Validate(id, ip) {
		t.Fatal("expected id to validate within issuing window")
	}

	// t+61s: rolled into the next window, but still accepted (previous window)
	s.now = func() time.Time { return issueTime.Add(61 * time.Second) }
	if !s.Validate(id, ip) {
		t.Fatal("expected id to validate in the window immediately after issuance")
	}
}

func TestValidateExpiresAfterTwoWindows(t *testing.T) {
	ip := net.ParseIP("192.0.2.5")
	issueTime := time.Unix(1_700_000_000, 0)
	s := newTestService(t, issueTime)
	id := s.Issue(ip)

	s.now = func() time.Time { return issueTime.Add(121 * time.Second) }
	if s.Validate(id, ip) {
		t.Fatal("expected id to be rejected after two full windows")
	}
}

func TestValidateRejectsDifferentIP(t *testing.T) {
	s := newTestService(t, time.Unix(1_700_000_000, 0))
	id := s.Issue(net.ParseIP("192.0.2.5"))

	if s.Validate(id, net.ParseIP("192.0.2.6")) {
		t.Fatal("expected id bound to one IP to be rejected for another")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	ip := net.ParseIP("192.0.2.5")

	a := newTestService(t, at)
	id := a.Issue(ip)

	b, err := New("a-different-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.now = func() time.Time { return at }

	if b.Validate(id, ip) {
		t.Fatal("expected id signed with a different secret to be rejected")
	}
}

func TestIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	s := newTestService(t, time.Unix(1_700_000_000, 0))
	id := s.Issue(ip)

	if !s.Validate(id, ip) {
		t.Fatal("expected IPv6-bound id to validate")
	}
}

func TestEmptySecretDerivesRandomKey(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.secret == b.secret {
		t.Fatal("expected two empty-secret services to derive different keys")
	}
}
