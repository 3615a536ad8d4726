package auth

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const (
	vectorSecret     = "489dks293j39"
	vectorNormalized = "1336363200\ndj83hs9s\nGET\n/resource/1?b=1&a=2\nexample.com\n80\n\n"
	vectorSHA1       = "e93df3673cb6126a699e2e9bccbee4751c5458be"
	vectorSHA256     = "d5cd25d98216ee0eeccb20e6547cb697109e64ae55a2e0c2b94d13d183a64ce5"
)

func TestNormalizedRequestStringLayout(t *testing.T) {
	got := NormalizedRequestString("1336363200", "dj83hs9s", "GET", "/resource/1?b=1&a=2", "example.com", "80", "")
	if got != vectorNormalized {
		t.Fatalf("unexpected normalized string %q", got)
	}
	if again := NormalizedRequestString("1336363200", "dj83hs9s", "GET", "/resource/1?b=1&a=2", "example.com", "80", ""); again != got {
		t.Fatalf("normalized string not deterministic")
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("empty ext must still be terminated by a newline")
	}
}

func TestExt(t *testing.T) {
	if got := Ext("application/json", []byte(`{"a":1}`)); got != "981c57ecc537e608fe65a8c332328364f5b02925" {
		t.Fatalf("unexpected ext %s", got)
	}
	if got := Ext("", []byte("body")); got != "" {
		t.Fatalf("expected empty ext without content type, got %s", got)
	}
	if got := Ext("text/plain", nil); got != "" {
		t.Fatalf("expected empty ext without body, got %s", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1336363200")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.Unix() != 1336363200 || ts.String() != "1336363200" {
		t.Fatalf("unexpected timestamp %v", ts)
	}
	for _, raw := range []string{"", "-5", "12a", " 12", "1.5", "99999999999999999999"} {
		if _, err := ParseTimestamp(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestParseNonce(t *testing.T) {
	for _, ok := range []string{"dj83hs9s", "abcdefgh12345678"} {
		if _, err := ParseNonce(ok); err != nil {
			t.Fatalf("expected %q to be accepted: %v", ok, err)
		}
	}
	for _, bad := range []string{"short", "abcdefgh123456789", "UPPERCASE", "has-dash1", ""} {
		if _, err := ParseNonce(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestParseKeyIdentifier(t *testing.T) {
	if _, err := ParseKeyIdentifier("h480djs93hd8"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "a b", `a"b`, "a/b"} {
		if _, err := ParseKeyIdentifier(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestRequestHostPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com:8080/x", nil)
	if host, port := RequestHostPort(req); host != "example.com" || port != "8080" {
		t.Fatalf("unexpected host/port %s %s", host, port)
	}
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "example.com"
	if host, port := RequestHostPort(req); host != "example.com" || port != "80" {
		t.Fatalf("unexpected host/port %s %s", host, port)
	}
	req.TLS = &tls.ConnectionState{}
	if _, port := RequestHostPort(req); port != "443" {
		t.Fatalf("expected tls default port 443, got %s", port)
	}
}

func TestRequestURIKeepsQueryVerbatim(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/resource/1?b=1&a=2", nil)
	if got := RequestURI(req); got != "/resource/1?b=1&a=2" {
		t.Fatalf("unexpected uri %s", got)
	}
	req = httptest.NewRequest(http.MethodGet, "http://example.com/p%20q?x=1", nil)
	if got := RequestURI(req); got != "/p%20q?x=1" {
		t.Fatalf("unexpected uri %s", got)
	}
}
