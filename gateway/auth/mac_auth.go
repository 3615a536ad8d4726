package auth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"yar/observability/logging"
)

// MACAuthenticator verifies HTTP MAC Access Authentication requests.
type MACAuthenticator struct {
	cfg      Config
	nonces   NonceGuard
	resolver CredentialResolver
}

// NewMACAuthenticator wires the nonce guard and credential resolver into the
// MAC pipeline.
func NewMACAuthenticator(nonces NonceGuard, resolver CredentialResolver, cfg Config) *MACAuthenticator {
	return &MACAuthenticator{cfg: cfg.withDefaults(), nonces: nonces, resolver: resolver}
}

// Scheme implements Authenticator.
func (a *MACAuthenticator) Scheme() string { return SchemeMAC }

// macAttempt is the per-request state threaded through the pipeline steps.
type macAttempt struct {
	req    Request
	header MACHeader
	ts     Timestamp
	cred   Credential
}

// Authenticate implements Authenticator.
func (a *MACAuthenticator) Authenticate(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := tracer().Start(ctx, "auth.mac")
	defer span.End()

	at := &macAttempt{req: req}
	steps := map[State]stepFunc{
		StateParsingHeader:      func() Event { return a.parseHeader(at) },
		StateCheckingTimestamp:  func() Event { return a.checkTimestamp(at) },
		StateCheckingNonce:      func() Event { return a.checkNonce(ctx, at) },
		StateFetchingCredential: func() Event { return a.fetchCredential(ctx, at) },
		StateVerifyingSignature: func() Event { return a.verifySignature(at) },
	}
	verdict, err := run(SchemeMAC, steps, func() Verdict {
		return Success(SchemeMAC, at.cred.Principal, at.header.ID)
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
		a.cfg.Logger.Debug("mac authentication rejected",
			"reason", verdict.Reason.String(),
			logging.FingerprintField("keyIdentifier", at.header.ID))
	}
	return verdict, nil
}

func (a *MACAuthenticator) parseHeader(at *macAttempt) Event {
	header, ok := ParseMACHeader(at.req.Authorization)
	if !ok {
		return reject(ReasonInvalidAuthHeader)
	}
	if _, err := ParseKeyIdentifier(header.ID); err != nil {
		return reject(ReasonInvalidAuthHeader)
	}
	ts, err := ParseTimestamp(header.TS)
	if err != nil {
		return reject(ReasonInvalidAuthHeader)
	}
	if _, err := ParseNonce(header.Nonce); err != nil {
		return reject(ReasonInvalidAuthHeader)
	}
	at.header = header
	at.ts = ts
	return pass()
}

func (a *MACAuthenticator) checkTimestamp(at *macAttempt) Event {
	now := a.cfg.Now()
	if now.Unix() < at.ts.Unix() {
		return reject(ReasonTimestampInFuture)
	}
	// Sub-second precision keeps the accepted window inside the nonce TTL.
	if now.Sub(at.ts.Time()) > a.cfg.MaxAge {
		return reject(ReasonTimestampTooOld)
	}
	return pass()
}

func (a *MACAuthenticator) checkNonce(ctx context.Context, at *macAttempt) Event {
	ctx, span := tracer().Start(ctx, "auth.nonce")
	defer span.End()
	firstUse, err := a.nonces.Check(ctx, at.header.ID, at.header.Nonce)
	if err != nil {
		span.RecordError(err)
		return fail(fmt.Errorf("check nonce: %w", err))
	}
	if !firstUse {
		return reject(ReasonNonceReused)
	}
	return pass()
}

func (a *MACAuthenticator) fetchCredential(ctx context.Context, at *macAttempt) Event {
	ctx, span := tracer().Start(ctx, "auth.credentials")
	defer span.End()
	cred, found, err := a.resolver.Fetch(ctx, at.header.ID)
	if err != nil {
		span.RecordError(err)
		return fail(fmt.Errorf("fetch credentials: %w", err))
	}
	if !found || cred.IsDeleted {
		return reject(ReasonCredsNotFound)
	}
	if cred.Kind != KindMAC || cred.Secret == "" {
		return reject(ReasonCredsWrongType)
	}
	at.cred = cred
	return pass()
}

func (a *MACAuthenticator) verifySignature(at *macAttempt) Event {
	req := at.req
	ext := Ext(req.ContentType, req.Body)
	normalized := NormalizedRequestString(at.header.TS, at.header.Nonce, req.Method, req.URI, req.Host, req.Port, ext)
	if Verify(at.cred.Secret, at.cred.Algorithm, normalized, at.header.MAC) {
		return pass()
	}
	ev := reject(ReasonSignatureMismatch)
	if a.cfg.Debug {
		ev.Debug = signatureDebug(at, ext, normalized)
	}
	return ev
}

// signatureDebug lists every input to the computed MAC. It echoes the shared
// secret, so it is only ever built when debugging is enabled.
func signatureDebug(at *macAttempt, ext, normalized string) map[string]string {
	req := at.req
	sum := sha1.Sum(req.Body)
	computed, _ := Sign(at.cred.Secret, at.cred.Algorithm, normalized)
	return map[string]string{
		DebugContentSHA1:   hex.EncodeToString(sum[:]),
		DebugContentLength: strconv.Itoa(len(req.Body)),
		DebugKey:           at.cred.Secret,
		DebugAlgorithm:     string(at.cred.Algorithm),
		DebugHost:          req.Host,
		DebugPort:          req.Port,
		DebugContentType:   req.ContentType,
		DebugMethod:        req.Method,
		DebugURI:           req.URI,
		DebugTimestamp:     at.header.TS,
		DebugNonce:         at.header.Nonce,
		DebugExt:           ext,
		DebugMAC:           computed,
		DebugNormalized:    normalized,
	}
}
