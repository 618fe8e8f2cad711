// Package identity provides the persistent per-profile session identity.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashureev/deploychat/internal/profile"
)

const sessionPrefix = "session_"

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	bearerPattern    = regexp.MustCompile(`(Bearer\s+)[\w.-]+`)
	longTokenPattern = regexp.MustCompile(`[A-Za-z0-9_-]{20,}`)
	urlPattern       = regexp.MustCompile(`https?://[^\s"'<>)]+`)
)

// NewSessionID generates a fresh opaque session identity.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return sessionPrefix + hex.EncodeToString(buf), nil
}

// IsValidSessionID reports whether id is safe to use as a path segment and key.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// LoadOrCreate returns the stored session identity, creating and persisting
// one only when none exists or the stored value is unusable.
func LoadOrCreate(store profile.Store) (string, error) {
	if id, ok := store.Get(profile.KeySessionID); ok {
		id = strings.TrimSpace(id)
		if IsValidSessionID(id) {
			return id, nil
		}
	}
	id, err := NewSessionID()
	if err != nil {
		return "", err
	}
	if err := store.Set(profile.KeySessionID, id); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}
	return id, nil
}

// APIKey returns the optional user-supplied API key.
func APIKey(store profile.Store) string {
	key, _ := store.Get(profile.KeyAPIKey)
	return strings.TrimSpace(key)
}

// MaskSecret renders a secret for diagnostics: first and last four
// characters only, or a fixed mask for short values.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}

// SanitizeText masks credentials in free text before it is logged, stored
// or shown: bearer tokens are redacted and any run of 20 or more key-like
// characters is reduced with MaskSecret. URLs are left intact.
func SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		b.WriteString(sanitizeSpan(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(sanitizeSpan(text[last:]))
	return b.String()
}

func sanitizeSpan(s string) string {
	s = bearerPattern.ReplaceAllString(s, "${1}***REDACTED***")
	return longTokenPattern.ReplaceAllStringFunc(s, MaskSecret)
}
