// Package origin implements the Origin allow-list shared by the HTTP
// adapter's CORS layer and the WebSocket upgrader.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Allowed validates an Origin header value against an allow-list.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (matches both example.com and subdomains)
//   - Exact non-standard Origin values, e.g. "null"
//   - "*" allowing every origin
//
// An empty origin is accepted iff allowNoOrigin is true.
func Allowed(origin string, allowed []string, allowNoOrigin bool) bool {
	if origin == "" {
		return allowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		host = parsed.Host
		hostname = parsed.Hostname()
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		// If entry contains a scheme, treat it as a full Origin value match.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		// Support wildcard hostname entries like "*.example.com".
		// For usability, treat "*.example.com" as matching both "example.com"
		// and any subdomain (e.g. "a.example.com").
		if strings.HasPrefix(entry, "*.") {
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" {
				if hostname == base || strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		// If the entry looks like host:port, compare it against the parsed Host.
		// This keeps the "example.com" form as hostname-only, while enabling an
		// explicit port allow-list.
		if host != "" {
			if _, _, err := net.SplitHostPort(entry); err == nil {
				if host == entry {
					return true
				}
				continue
			}
		}
		// Otherwise, treat it as a hostname allow-list entry (e.g. "example.com").
		if hostname != "" && hostname == entry {
			return true
		}
		// Also allow exact string matches for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}

// IsRequestAllowed validates r.Header["Origin"] against an allow-list.
func IsRequestAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	return Allowed(r.Header.Get("Origin"), allowed, allowNoOrigin)
}

// NewChecker returns a websocket upgrader CheckOrigin function.
func NewChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsRequestAllowed(r, allowed, allowNoOrigin)
	}
}

// FromWSURL converts a websocket URL (ws:// or wss://) to an HTTP Origin
// (http(s)://host[:port]). Clients use it to derive the Origin header
// they present when dialing.
func FromWSURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("ws url missing host")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "wss":
		return "https://" + u.Host, nil
	case "ws":
		return "http://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported ws scheme: %s", u.Scheme)
	}
}
