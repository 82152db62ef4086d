// Package httputil holds small helpers shared by the HTTP handlers and
// middleware.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the originating client address for a request. Proxy
// headers win over the socket peer: the leftmost valid X-Forwarded-For
// entry is used first, then X-Real-IP, then RemoteAddr with its port
// stripped. Header values that do not parse as IP addresses are ignored,
// and addresses are returned in canonical text form so the same client
// always maps to the same string.
func GetClientIP(r *http.Request) string {
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := normalizeIP(hop); ip != "" {
			return ip
		}
	}
	if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// normalizeIP trims a candidate address, drops an attached port and any
// IPv6 brackets, and returns the canonical form, or "" for non-addresses.
func normalizeIP(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
