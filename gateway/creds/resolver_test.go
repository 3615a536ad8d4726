package creds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"yar/gateway/auth"
)

func newStoreServer(t *testing.T, handler http.HandlerFunc) *HTTPResolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	resolver, err := NewHTTPResolver(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func TestHTTPResolverFetchesMACCredential(t *testing.T) {
	var path atomic.Value
	resolver := newStoreServer(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(NewMACDocument("alice", "h480djs93hd8", "489dks293j39", auth.HMACSHA1, false))
	})
	cred, found, err := resolver.Fetch(context.Background(), "h480djs93hd8")
	if err != nil || !found {
		t.Fatalf("fetch: %v %v", found, err)
	}
	if got := path.Load(); got != "/v1/creds/h480djs93hd8" {
		t.Fatalf("unexpected path %v", got)
	}
	if cred.Principal != "alice" || cred.Kind != auth.KindMAC || cred.Secret != "489dks293j39" || cred.Algorithm != auth.HMACSHA1 {
		t.Fatalf("unexpected credential %+v", cred)
	}
}

func TestHTTPResolverEscapesIdentifier(t *testing.T) {
	var path atomic.Value
	resolver := newStoreServer(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.EscapedPath())
		w.WriteHeader(http.StatusNotFound)
	})
	if _, found, err := resolver.Fetch(context.Background(), "a b?c"); err != nil || found {
		t.Fatalf("expected not found, got %v %v", found, err)
	}
	if got := path.Load(); got != "/v1/creds/a%20b%3Fc" {
		t.Fatalf("unexpected path %v", got)
	}
}

func TestHTTPResolverDeletedRecord(t *testing.T) {
	resolver := newStoreServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(NewAPIKeyDocument("bob", "apikey1", true))
	})
	cred, found, err := resolver.Fetch(context.Background(), "apikey1")
	if err != nil || !found {
		t.Fatalf("fetch: %v %v", found, err)
	}
	if !cred.IsDeleted || cred.Kind != auth.KindBasic {
		t.Fatalf("unexpected credential %+v", cred)
	}
}

func TestHTTPResolverFailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"principal":`))
		},
		"missing is_deleted": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"principal":"alice","api_key":"k"}`))
		},
		"identifier mismatch": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(NewMACDocument("alice", "other", "secret", auth.HMACSHA1, false))
		},
		"unknown algorithm": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(NewMACDocument("alice", "k", "secret", auth.Algorithm("hmac-md5"), false))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			resolver := newStoreServer(t, handler)
			_, found, err := resolver.Fetch(context.Background(), "k")
			if found || !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v %v", found, err)
			}
		})
	}
}

func TestHTTPResolverUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	resolver, err := NewHTTPResolver(HTTPConfig{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, _, err := resolver.Fetch(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewHTTPResolverValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewHTTPResolver(HTTPConfig{BaseURL: raw}); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
