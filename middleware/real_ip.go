package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// TrustedRealIP rewrites r.RemoteAddr to the client address reported by a
// trusted proxy. Requests from any other peer keep their socket address, so
// forwarding headers they send are ignored.
//
// X-Forwarded-For is read right to left and the first hop outside trusted
// wins. X-Real-IP is used only when X-Forwarded-For yields nothing.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	isTrusted := func(addr netip.Addr) bool {
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := peerAddr(r.RemoteAddr)
			if ok && isTrusted(peer) {
				if client, found := forwardedClient(r.Header, isTrusted); found {
					r.RemoteAddr = client.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return parseAddr(host)
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func forwardedClient(h http.Header, isTrusted func(netip.Addr) bool) (netip.Addr, bool) {
	var hops []netip.Addr
	for _, line := range h.Values(headerForwardedFor) {
		for _, part := range strings.Split(line, ",") {
			if addr, ok := parseAddr(part); ok {
				hops = append(hops, addr)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i]) {
			return hops[i], true
		}
	}
	// every hop is one of ours
	if len(hops) > 0 {
		return hops[0], true
	}
	return parseAddr(h.Get(headerRealIP))
}
