package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"yar/gateway/auth"
	"yar/gateway/creds"
	"yar/gateway/forward"
	"yar/gateway/middleware"
	"yar/gateway/nonce"
	"yar/observability/logging"
)

const (
	HeaderFailureDetail = "X-Yar-Auth-Failure-Detail"
	HeaderDebugPrefix   = "X-Yar-Auth-Debug-"

	// DefaultMaxBodyBytes caps the request body read before authentication.
	DefaultMaxBodyBytes = 1 << 20
)

// Authenticator decides whether an inbound request carries valid credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (auth.Verdict, error)
}

// Upstream relays an authenticated request.
type Upstream interface {
	Forward(ctx context.Context, req forward.Request, principal string) (*forward.Response, error)
}

// HandlerConfig wires the gateway handler.
type HandlerConfig struct {
	Authenticator Authenticator
	Upstream      Upstream
	FailureDetail bool
	Debug         bool
	MaxBodyBytes  int64
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// Handler authenticates every request and relays accepted ones upstream.
type Handler struct {
	authn         Authenticator
	upstream      Upstream
	failureDetail bool
	debug         bool
	maxBody       int64
	obs           *middleware.Observability
	logger        *slog.Logger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream required")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		authn:         cfg.Authenticator,
		upstream:      cfg.Upstream,
		failureDetail: cfg.FailureDetail,
		debug:         cfg.Debug,
		maxBody:       maxBody,
		obs:           cfg.Observability,
		logger:        logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	verdict, err := h.authn.Authenticate(r.Context(), auth.NewRequest(r, body))
	if err != nil {
		h.obs.ObserveInfrastructureError(dependencyOf(err))
		h.logger.Error("authentication unavailable", "error", err, "method", r.Method, "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.obs.ObserveVerdict(verdict.Scheme, verdict.OK, verdict.Reason.String())
	if !verdict.OK {
		h.reject(w, r, verdict)
		return
	}

	start := time.Now()
	resp, err := h.upstream.Forward(r.Context(), forward.Request{
		Method:     r.Method,
		URI:        auth.RequestURI(r),
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		TLS:        r.TLS != nil,
		Header:     r.Header,
		Body:       body,
	}, verdict.Principal)
	if err != nil {
		h.obs.ObserveUpstream(0, time.Since(start))
		h.obs.ObserveInfrastructureError("upstream")
		h.logger.Error("upstream relay failed", "error", err, "principal", verdict.Principal, "method", r.Method)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.obs.ObserveUpstream(resp.StatusCode, time.Since(start))
	relay(w, resp)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, verdict auth.Verdict) {
	h.logger.Info("request rejected",
		"scheme", verdict.Scheme,
		"reason", verdict.Reason.String(),
		logging.FingerprintField("key", verdict.KeyIdentifier),
		"method", r.Method,
		"path", r.URL.Path)
	header := w.Header()
	if h.failureDetail {
		header.Set(HeaderFailureDetail, verdict.Reason.Code())
	}
	if h.debug {
		setDebugHeaders(header, verdict.Debug)
	}
	w.WriteHeader(http.StatusUnauthorized)
}

func relay(w http.ResponseWriter, resp *forward.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.HasBody {
		_, _ = w.Write(resp.Body)
	}
}

// setDebugHeaders emits fields in a stable order, skipping any whose name or
// escaped value is still not a legal header.
func setDebugHeaders(header http.Header, fields map[string]string) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := HeaderDebugPrefix + name
		value := EscapeHeaderValue(fields[name])
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		header.Set(key, value)
	}
}

// EscapeHeaderValue renders control and non-ASCII bytes as \r, \n, \t or \xNN
// so arbitrary request data can travel in a header value.
func EscapeHeaderValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\\':
			b.WriteString(`\\`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func dependencyOf(err error) string {
	switch {
	case errors.Is(err, nonce.ErrUnavailable):
		return "nonce"
	case errors.Is(err, creds.ErrUnavailable):
		return "keystore"
	default:
		return "unknown"
	}
}
