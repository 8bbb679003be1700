// Package access resolves client addresses and enforces the IP allow-list.
package access

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// UnknownAddr is returned when no source of a client address yields a value.
const UnknownAddr = "unknown"

// ResolveClientAddr extracts the best-guess client address for a request.
//
// Sources are tried in fixed priority order, first non-empty wins:
//
//  1. CF-Connecting-IP — set by the Cloudflare edge, most trustworthy when
//     the proxy sits behind the tunnel
//  2. host part of the transport peer address
//  3. first element of the X-Forwarded-For chain (leftmost = original client)
//  4. X-Real-IP
//  5. the raw peer address string
//
// Pure function; safe to call from both the admission filter and logging.
func ResolveClientAddr(h http.Header, remoteAddr string) string {
	if ip := h.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := h.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return UnknownAddr
}

// isLoopback reports whether addr parses to a loopback address (127.0.0.0/8 or ::1).
func isLoopback(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
