package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidTimestamp is returned when a timestamp is not a non-negative integer.
	ErrInvalidTimestamp = errors.New("timestamp must be a non-negative integer")
	// ErrInvalidNonce is returned when a nonce is not 8-16 characters of [a-z0-9].
	ErrInvalidNonce = errors.New("nonce must be 8-16 characters of [a-z0-9]")
	// ErrInvalidKeyIdentifier is returned for empty or whitespace-bearing key identifiers.
	ErrInvalidKeyIdentifier = errors.New("key identifier must be a non-empty token")
)

var nonceRE = regexp.MustCompile(`^[a-z0-9]{8,16}$`)

// Timestamp is a request timestamp in seconds since the epoch.
type Timestamp struct {
	raw  string
	secs int64
}

// ParseTimestamp validates the wire form of a timestamp.
func ParseTimestamp(raw string) (Timestamp, error) {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return Timestamp{}, ErrInvalidTimestamp
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return Timestamp{}, ErrInvalidTimestamp
		}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return Timestamp{raw: raw, secs: secs}, nil
}

// Unix returns the timestamp in seconds.
func (t Timestamp) Unix() int64 { return t.secs }

// Time returns the timestamp as a time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(t.secs, 0) }

// String returns the timestamp exactly as it appeared on the wire.
func (t Timestamp) String() string { return t.raw }

// Nonce is a single-use client generated token.
type Nonce string

// ParseNonce validates a nonce.
func ParseNonce(raw string) (Nonce, error) {
	if !nonceRE.MatchString(raw) {
		return "", ErrInvalidNonce
	}
	return Nonce(raw), nil
}

// KeyIdentifier names a credential record. For the Basic scheme it is the API key.
type KeyIdentifier string

// ParseKeyIdentifier validates a key identifier.
func ParseKeyIdentifier(raw string) (KeyIdentifier, error) {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n\"/") {
		return "", ErrInvalidKeyIdentifier
	}
	return KeyIdentifier(raw), nil
}

// Ext binds the content type and body to the signature. It is empty when either
// the content type or the body is absent.
func Ext(contentType string, body []byte) string {
	if contentType == "" || len(body) == 0 {
		return ""
	}
	h := sha1.New()
	h.Write([]byte(contentType))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizedRequestString builds the exact byte sequence that is signed. Field
// order and the trailing newline are part of the wire contract.
func NormalizedRequestString(ts, nonce, method, uri, host, port, ext string) string {
	var b strings.Builder
	b.Grow(len(ts) + len(nonce) + len(method) + len(uri) + len(host) + len(port) + len(ext) + 7)
	for _, field := range [...]string{ts, nonce, method, uri, host, port, ext} {
		b.WriteString(field)
		b.WriteByte('\n')
	}
	return b.String()
}

// RequestHostPort splits the request's Host into host and port, defaulting the
// port from the scheme the request arrived on.
func RequestHostPort(r *http.Request) (string, string) {
	hostport := r.Host
	if hostport == "" && r.URL != nil {
		hostport = r.URL.Host
	}
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		return host, port
	}
	if r.TLS != nil || (r.URL != nil && strings.EqualFold(r.URL.Scheme, "https")) {
		return hostport, "443"
	}
	return hostport, "80"
}

// RequestURI returns the URI as the client sent it (path plus query).
func RequestURI(r *http.Request) string {
	if r.RequestURI != "" && !strings.Contains(r.RequestURI, "://") {
		return r.RequestURI
	}
	if r.URL == nil {
		return "/"
	}
	return r.URL.RequestURI()
}
