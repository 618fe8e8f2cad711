package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ashureev/deploychat/internal/identity"
	"github.com/ashureev/deploychat/internal/protocol"
)

// BuildURL derives the channel address: the session identity is appended as a
// path segment, the API key (if any) as a query parameter, and plain schemes
// are upgraded to secure ones for non-local hosts.
func BuildURL(base, sessionID, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", base)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Scheme == "ws" && !isLocalHost(u.Hostname()) {
		u.Scheme = "wss"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(sessionID)
	u.RawPath = ""
	if apiKey != "" {
		q := u.Query()
		q.Set(protocol.APIKeyParam, apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// RedactURL masks the API key in a channel address for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if key := q.Get(protocol.APIKeyParam); key != "" {
		q.Set(protocol.APIKeyParam, identity.MaskSecret(key))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
