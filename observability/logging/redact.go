package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets that must never reach a log line.
const RedactedValue = "[REDACTED]"

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 12

// plainKeys are attribute names whose values are safe to log as-is.
var plainKeys = map[string]struct{}{
	"principal": {},
	"scheme":    {},
	"reason":    {},
	"method":    {},
	"path":      {},
	"status":    {},
	"error":     {},
}

func isPlain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField hides value entirely unless key is known to be harmless. Empty
// values are kept so a missing setting is still visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Fingerprint returns a short SHA-256 digest of value, or "" for an empty
// value. Two log lines about the same key identifier or API key share a
// fingerprint without exposing the key.
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:])[:fingerprintLen]
}

// FingerprintField is MaskField for identifiers operators need to correlate.
func FingerprintField(key, value string) slog.Attr {
	if isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Fingerprint(value))
}
