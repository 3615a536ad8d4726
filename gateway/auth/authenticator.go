package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxAge bounds how old a signed request may be when it reaches the gateway.
const DefaultMaxAge = 30 * time.Second

// CredentialKind distinguishes MAC credentials from API keys.
type CredentialKind string

const (
	KindMAC   CredentialKind = "mac"
	KindBasic CredentialKind = "basic"
)

// Credential is the gateway's read-only view of a credential store record.
type Credential struct {
	Principal  string
	Identifier string
	Kind       CredentialKind
	Secret     string
	Algorithm  Algorithm
	IsDeleted  bool
}

// NonceGuard atomically records a (key identifier, nonce) pair and reports
// whether this was its first use.
type NonceGuard interface {
	Check(ctx context.Context, keyIdentifier, nonce string) (bool, error)
}

// CredentialResolver looks up credentials by key identifier or API key. A
// missing record is reported as found=false with a nil error.
type CredentialResolver interface {
	Fetch(ctx context.Context, id string) (Credential, bool, error)
}

// Request carries the parts of an inbound request that authentication reads.
type Request struct {
	Authorization string
	Method        string
	URI           string
	Host          string
	Port          string
	ContentType   string
	Body          []byte
}

// NewRequest captures an inbound request. The body must already be read.
func NewRequest(r *http.Request, body []byte) Request {
	host, port := RequestHostPort(r)
	return Request{
		Authorization: r.Header.Get(HeaderAuthorization),
		Method:        r.Method,
		URI:           RequestURI(r),
		Host:          host,
		Port:          port,
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	}
}

// Authenticator implements one authentication scheme.
type Authenticator interface {
	Scheme() string
	Authenticate(ctx context.Context, req Request) (Verdict, error)
}

// Config holds the settings shared by the authenticators.
type Config struct {
	MaxAge time.Duration
	Debug  bool
	Now    func() time.Time
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func tracer() trace.Tracer {
	return otel.Tracer("yar/gateway/auth")
}

// Registry selects an authenticator from the Authorization header's scheme token.
type Registry struct {
	byScheme map[string]Authenticator
}

// NewRegistry indexes authenticators by their scheme.
func NewRegistry(authenticators ...Authenticator) *Registry {
	reg := &Registry{byScheme: make(map[string]Authenticator, len(authenticators))}
	for _, a := range authenticators {
		if a == nil {
			continue
		}
		reg.byScheme[strings.ToUpper(a.Scheme())] = a
	}
	return reg
}

// Select returns the authenticator for the header or the reason none applies.
func (r *Registry) Select(authorization string) (Authenticator, FailureReason) {
	scheme := SchemeOf(authorization)
	if scheme == "" {
		return nil, ReasonNoAuthHeader
	}
	a, ok := r.byScheme[scheme]
	if !ok {
		return nil, ReasonUnknownAuthenticationScheme
	}
	return a, ReasonNone
}

// Authenticate selects the scheme and runs its pipeline.
func (r *Registry) Authenticate(ctx context.Context, req Request) (Verdict, error) {
	a, reason := r.Select(req.Authorization)
	if a == nil {
		return Failure(SchemeOf(req.Authorization), reason), nil
	}
	return a.Authenticate(ctx, req)
}
