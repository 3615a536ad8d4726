package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// HeaderAuthorization carries the caller's credentials.
	HeaderAuthorization = "Authorization"

	// SchemeMAC is the HTTP MAC Access Authentication scheme token.
	SchemeMAC = "MAC"
	// SchemeBasic is the API key scheme token.
	SchemeBasic = "BASIC"
)

var (
	// ErrMalformedBasicHeader is returned when a BASIC header is not base64("key:").
	ErrMalformedBasicHeader = errors.New("basic authorization value must be base64 of \"<api key>:\"")

	macHeaderRE   = regexp.MustCompile(`^(?i:MAC) id="([^"]+)", ts="([^"]+)", nonce="([^"]+)", ext="([^"]*)", mac="([^"]+)"$`)
	basicHeaderRE = regexp.MustCompile(`^(?i:BASIC) ([A-Za-z0-9+/]+={0,2})$`)
)

// MACHeader is the structured form of a MAC Authorization header value.
type MACHeader struct {
	ID    string
	TS    string
	Nonce string
	Ext   string
	MAC   string
}

// ParseMACHeader matches the header against the full MAC grammar. Any deviation
// rejects the header; there is no partial recovery.
func ParseMACHeader(value string) (MACHeader, bool) {
	m := macHeaderRE.FindStringSubmatch(value)
	if m == nil {
		return MACHeader{}, false
	}
	return MACHeader{ID: m[1], TS: m[2], Nonce: m[3], Ext: m[4], MAC: m[5]}, true
}

// String renders the header in its canonical wire form.
func (h MACHeader) String() string {
	return fmt.Sprintf(`MAC id="%s", ts="%s", nonce="%s", ext="%s", mac="%s"`, h.ID, h.TS, h.Nonce, h.Ext, h.MAC)
}

// ParseBasicHeader extracts the API key from a BASIC Authorization header value.
func ParseBasicHeader(value string) (string, error) {
	m := basicHeaderRE.FindStringSubmatch(value)
	if m == nil {
		return "", ErrMalformedBasicHeader
	}
	decoded, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBasicHeader, err)
	}
	key, rest, found := strings.Cut(string(decoded), ":")
	if !found || rest != "" || key == "" {
		return "", ErrMalformedBasicHeader
	}
	return key, nil
}

// BasicHeader renders a BASIC Authorization header for the API key.
func BasicHeader(apiKey string) string {
	return SchemeBasic + " " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
}

// SchemeOf returns the upper-cased scheme token at the start of an Authorization
// header value, or "" when the value is empty.
func SchemeOf(value string) string {
	value = strings.TrimLeft(value, " ")
	if value == "" {
		return ""
	}
	token, _, _ := strings.Cut(value, " ")
	return strings.ToUpper(token)
}
