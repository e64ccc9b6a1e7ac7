package clientip

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Unknown is reported when no usable address can be derived from a request.
// It is a legitimate bucket: unidentifiable clients share one rate budget.
const Unknown = "unknown"

// Resolver derives the client identity for every security decision.
// SECURITY: X-Forwarded-For and X-Real-IP are only honored when the direct
// peer is inside one of the configured trusted proxy CIDRs; otherwise any
// client could spoof its way past IP-based limits. With no CIDRs configured
// the headers are trusted unconditionally, which is only acceptable when
// the gateway is reachable solely through a fronting proxy.
type Resolver struct {
	trusted []*net.IPNet
}

func NewResolver(cidrs []string) (*Resolver, error) {
	rv := &Resolver{}
	for _, c := range cidrs {
		ipnet, err := ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		rv.trusted = append(rv.trusted, ipnet)
	}
	return rv, nil
}

// ParseCIDR parses an IP or CIDR entry; bare addresses become host routes
// ("10.0.0.5" -> 10.0.0.5/32).
func ParseCIDR(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if !strings.Contains(entry, "/") {
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("not an IP or CIDR")
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		entry = fmt.Sprintf("%s/%d", ip.String(), bits)
	}
	_, ipnet, err := net.ParseCIDR(entry)
	return ipnet, err
}

// Resolve returns the client IP for r, in priority order: the left-most
// X-Forwarded-For entry, then X-Real-IP, then the peer address, then
// Unknown. Proxy headers are subject to the trusted-proxy gate.
func (rv *Resolver) Resolve(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)

	if rv.headersTrusted(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if ip := net.ParseIP(real); ip != nil {
				return ip.String()
			}
		}
	}
	if peer != nil {
		return peer.String()
	}
	return Unknown
}

func (rv *Resolver) headersTrusted(peer net.IP) bool {
	if len(rv.trusted) == 0 {
		return true
	}
	if peer == nil {
		return false
	}
	for _, ipnet := range rv.trusted {
		if ipnet.Contains(peer) {
			return true
		}
	}
	return false
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}
