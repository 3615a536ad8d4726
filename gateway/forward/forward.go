// Package forward relays authenticated requests to the upstream service under
// the gateway's internal identity header.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http/httpguts"
)

const (
	// DefaultInternalScheme is the Authorization scheme presented to upstream.
	DefaultInternalScheme = "YAR"
	// DefaultTimeout bounds one upstream exchange.
	DefaultTimeout = 30 * time.Second
)

// ErrUpstream is wrapped by every failure to complete the upstream exchange.
var ErrUpstream = errors.New("upstream unavailable")

// hopHeaders are connection scoped and never relayed in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// leakyResponseHeaders describe upstream topology and are stripped from responses.
var leakyResponseHeaders = []string{
	"Server",
	"X-Powered-By",
	"Via",
}

// Config configures a Forwarder.
type Config struct {
	Upstream         *url.URL
	InternalScheme   string
	Timeout          time.Duration
	MaxResponseBytes int64
	Client           *http.Client
	Logger           *slog.Logger
}

// Request is an inbound request whose body has already been read.
type Request struct {
	Method     string
	URI        string
	Host       string
	RemoteAddr string
	TLS        bool
	Header     http.Header
	Body       []byte
}

// Response is the upstream reply. HasBody is false when upstream sent no body
// bytes, in which case Body is nil.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	HasBody    bool
}

// Forwarder relays requests to one upstream service.
type Forwarder struct {
	upstream       *url.URL
	internalScheme string
	timeout        time.Duration
	maxResponse    int64
	client         *http.Client
	logger         *slog.Logger
}

// New validates cfg and builds a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Upstream == nil || cfg.Upstream.Scheme == "" || cfg.Upstream.Host == "" {
		return nil, fmt.Errorf("absolute upstream URL required")
	}
	scheme := strings.TrimSpace(cfg.InternalScheme)
	if scheme == "" {
		scheme = DefaultInternalScheme
	}
	if strings.ContainsAny(scheme, " \t\r\n") {
		return nil, fmt.Errorf("internal auth scheme %q must be a single token", scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	// Upstream redirects are relayed to the caller, not followed.
	redirectSafe := *client
	redirectSafe.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		upstream:       cfg.Upstream,
		internalScheme: scheme,
		timeout:        timeout,
		maxResponse:    cfg.MaxResponseBytes,
		client:         &redirectSafe,
		logger:         logger,
	}, nil
}

// Forward relays req as principal and returns the upstream reply verbatim.
func (f *Forwarder) Forward(ctx context.Context, req Request, principal string) (*Response, error) {
	target, err := f.target(req.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	out.Header = f.outboundHeader(req)
	out.Header.Set("Authorization", f.internalScheme+" "+principal)
	out.Host = target.Host

	resp, err := f.client.Do(out)
	if err != nil {
		f.logger.Warn("upstream request failed", "error", err, "method", req.Method)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if f.maxResponse > 0 {
		reader = io.LimitReader(resp.Body, f.maxResponse+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if f.maxResponse > 0 && int64(len(payload)) > f.maxResponse {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, f.maxResponse)
	}
	result := &Response{StatusCode: resp.StatusCode, Header: inboundHeader(resp.Header)}
	if len(payload) > 0 {
		result.Body = payload
		result.HasBody = true
	}
	return result, nil
}

func (f *Forwarder) target(uri string) (*url.URL, error) {
	if uri == "" {
		uri = "/"
	}
	parsed, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	target := *f.upstream
	target.Path = singleJoiningSlash(f.upstream.Path, parsed.Path)
	target.RawPath = ""
	if parsed.RawPath != "" {
		target.RawPath = singleJoiningSlash(f.upstream.EscapedPath(), parsed.RawPath)
	}
	target.RawQuery = parsed.RawQuery
	target.Fragment = ""
	return &target, nil
}

func (f *Forwarder) outboundHeader(req Request) http.Header {
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeHopHeaders(header)
	header.Del("Authorization")
	header.Del("Content-Length")
	if req.Host != "" {
		header.Set("X-Forwarded-Host", req.Host)
	}
	proto := "http"
	if req.TLS {
		proto = "https"
	}
	header.Set("X-Forwarded-Proto", proto)
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		header.Set("X-Forwarded-For", ip)
	}
	return header
}

func inboundHeader(upstream http.Header) http.Header {
	header := upstream.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")
	for _, name := range leakyResponseHeaders {
		header.Del(name)
	}
	return header
}

func removeHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if httpguts.ValidHeaderFieldName(token) {
				header.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
