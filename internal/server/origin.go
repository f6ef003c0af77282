package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const wildcardOrigin = "*"

// normalizeOrigins canonicalizes the configured origins, dropping entries
// that are not http(s) scheme://host pairs. A "*" entry allows any origin.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false
	for _, origin := range origins {
		switch trimmed := strings.TrimSpace(origin); trimmed {
		case "":
		case wildcardOrigin:
			allowAll = true
		default:
			canonical, ok := normalizeOrigin(trimmed)
			if !ok {
				slog.Warn("ignoring invalid origin in configuration", "origin", origin)
				continue
			}
			normalized = append(normalized, canonical)
		}
	}
	return normalized, allowAll
}

// normalizeOrigin lowercases scheme and host and strips any path.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return "", false
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin is the upgrader's origin policy. Browsers always send Origin
// on WebSocket handshakes, so a missing header is rejected too.
func checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if origin, ok := normalizeOrigin(header); ok && originAllowed(origin) {
		return true
	}

	slog.Warn("blocked WebSocket connection from disallowed origin", "origin", header, "addr", r.RemoteAddr)
	return false
}

func originAllowed(origin string) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, ok := allowedOrigins[origin]
	return ok
}
