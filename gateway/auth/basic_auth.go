package auth

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BasicAuthenticator accepts requests carrying a bare API key.
type BasicAuthenticator struct {
	cfg      Config
	resolver CredentialResolver
}

// NewBasicAuthenticator builds the API key pipeline.
func NewBasicAuthenticator(resolver CredentialResolver, cfg Config) *BasicAuthenticator {
	return &BasicAuthenticator{cfg: cfg.withDefaults(), resolver: resolver}
}

// Scheme implements Authenticator.
func (a *BasicAuthenticator) Scheme() string { return SchemeBasic }

// Authenticate implements Authenticator.
func (a *BasicAuthenticator) Authenticate(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := tracer().Start(ctx, "auth.basic")
	defer span.End()

	var (
		apiKey string
		cred   Credential
	)
	steps := map[State]stepFunc{
		StateParsingHeader: func() Event {
			key, err := ParseBasicHeader(req.Authorization)
			if err != nil {
				return reject(ReasonInvalidBasicAuthHeader)
			}
			apiKey = key
			return pass()
		},
		StateFetchingCredential: func() Event {
			found, ok, err := a.resolver.Fetch(ctx, apiKey)
			if err != nil {
				return fail(fmt.Errorf("fetch credentials: %w", err))
			}
			if !ok || found.IsDeleted {
				return reject(ReasonCredsNotFound)
			}
			if found.Kind != KindBasic {
				return reject(ReasonCredsWrongType)
			}
			cred = found
			return pass()
		},
	}
	verdict, err := run(SchemeBasic, steps, func() Verdict {
		return Success(SchemeBasic, cred.Principal, apiKey)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}
	span.SetAttributes(
		attribute.Bool("auth.ok", verdict.OK),
		attribute.String("auth.reason", verdict.Reason.String()),
	)
	if !verdict.OK {
		a.cfg.Logger.Debug("basic authentication rejected", "reason", verdict.Reason.String())
	}
	return verdict, nil
}
