// Package creds resolves key identifiers and API keys to credentials held by
// the credential store.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"yar/gateway/auth"
	"yar/observability"
)

const (
	// DefaultTimeout bounds a single credential store round trip.
	DefaultTimeout = 2 * time.Second

	maxDocumentBytes = 64 << 10
)

// ErrUnavailable is wrapped by every failure that means the store could not
// give a trustworthy answer: transport errors, unexpected statuses, malformed
// or schema-violating bodies.
var ErrUnavailable = errors.New("credential store unavailable")

// HTTPConfig configures an HTTPResolver.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPResolver fetches credentials with GET {base}/v1/creds/{id}.
type HTTPResolver struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPResolver validates the base URL and builds a resolver.
func NewHTTPResolver(cfg HTTPConfig) (*HTTPResolver, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("credential store URL required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse credential store URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("credential store URL %q must be absolute", raw)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{base: base, client: client, timeout: timeout, logger: logger}, nil
}

func (r *HTTPResolver) endpoint(id string) string {
	u := *r.base
	u.Path = strings.TrimSuffix(r.base.Path, "/") + "/v1/creds/" + id
	u.RawPath = strings.TrimSuffix(r.base.EscapedPath(), "/") + "/v1/creds/" + url.PathEscape(id)
	u.RawQuery = ""
	return u.String()
}

// Fetch implements auth.CredentialResolver. Deleted records are returned with
// found=true and IsDeleted set; it is up to the caller to treat them as absent.
func (r *HTTPResolver) Fetch(ctx context.Context, id string) (auth.Credential, bool, error) {
	start := time.Now()
	cred, found, err := r.fetch(ctx, id)
	outcome := observability.FetchFound
	switch {
	case err != nil:
		outcome = observability.FetchError
	case !found:
		outcome = observability.FetchMissing
	}
	observability.Dependencies().ObserveFetch(outcome, time.Since(start))
	return cred, found, err
}

func (r *HTTPResolver) fetch(ctx context.Context, id string) (auth.Credential, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(id), nil)
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return auth.Credential{}, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return auth.Credential{}, false, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(raw) > maxDocumentBytes {
		return auth.Credential{}, false, fmt.Errorf("%w: document exceeds %d bytes", ErrUnavailable, maxDocumentBytes)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return auth.Credential{}, false, fmt.Errorf("%w: decode document: %v", ErrUnavailable, err)
	}
	cred, err := doc.Credential(id)
	if err != nil {
		r.logger.Warn("credential store returned invalid document", "error", err)
		return auth.Credential{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cred, true, nil
}
