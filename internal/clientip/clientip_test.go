package clientip

import (
	"net/http/httptest"
	"testing"
)

func TestResolve_HeaderPriority(t *testing.T) {
	rv, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Real-IP", "198.51.100.2")
	if got := rv.Resolve(r); got != "203.0.113.7" {
		t.Errorf("expected left-most XFF entry, got %q", got)
	}

	r.Header.Del("X-Forwarded-For")
	if got := rv.Resolve(r); got != "198.51.100.2" {
		t.Errorf("expected X-Real-IP fallback, got %q", got)
	}

	r.Header.Del("X-Real-IP")
	if got := rv.Resolve(r); got != "10.0.0.1" {
		t.Errorf("expected peer address fallback, got %q", got)
	}
}

func TestResolve_UnparseableHeaderFallsThrough(t *testing.T) {
	rv, _ := NewResolver(nil)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.Header.Set("X-Real-IP", "198.51.100.2")
	if got := rv.Resolve(r); got != "198.51.100.2" {
		t.Errorf("expected fall-through to X-Real-IP, got %q", got)
	}
}

func TestResolve_Unknown(t *testing.T) {
	rv, _ := NewResolver(nil)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "garbage"
	if got := rv.Resolve(r); got != Unknown {
		t.Errorf("expected %q, got %q", Unknown, got)
	}
}

func TestResolve_UntrustedPeerCannotSpoof(t *testing.T) {
	rv, err := NewResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	// Peer inside the trusted range: headers are honored.
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := rv.Resolve(r); got != "203.0.113.7" {
		t.Errorf("trusted peer: expected XFF honored, got %q", got)
	}

	// Peer outside the trusted range: headers are ignored.
	r.RemoteAddr = "192.0.2.9:5000"
	if got := rv.Resolve(r); got != "192.0.2.9" {
		t.Errorf("untrusted peer: expected peer address, got %q", got)
	}
}

func TestResolve_IPv6Peer(t *testing.T) {
	rv, _ := NewResolver(nil)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	if got := rv.Resolve(r); got != "2001:db8::1" {
		t.Errorf("expected IPv6 peer, got %q", got)
	}
}

func TestParseCIDR_BareIP(t *testing.T) {
	ipnet, err := ParseCIDR("10.0.0.5")
	if err != nil {
		t.Fatalf("ParseCIDR failed: %v", err)
	}
	if ones, _ := ipnet.Mask.Size(); ones != 32 {
		t.Errorf("expected /32 host route, got /%d", ones)
	}

	ipnet, err = ParseCIDR("2001:db8::1")
	if err != nil {
		t.Fatalf("ParseCIDR failed: %v", err)
	}
	if ones, _ := ipnet.Mask.Size(); ones != 128 {
		t.Errorf("expected /128 host route, got /%d", ones)
	}

	if _, err := ParseCIDR("bogus"); err == nil {
		t.Error("expected error for invalid entry")
	}
}
