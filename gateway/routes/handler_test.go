package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"yar/gateway/auth"
	"yar/gateway/creds"
	"yar/gateway/forward"
	"yar/gateway/middleware"
	"yar/gateway/nonce"
	"yar/services/keystore"
)

type stubAuthenticator struct {
	verdict auth.Verdict
	err     error
}

func (s stubAuthenticator) Authenticate(context.Context, auth.Request) (auth.Verdict, error) {
	return s.verdict, s.err
}

type stubUpstream struct {
	resp      *forward.Response
	err       error
	principal string
	body      []byte
}

func (s *stubUpstream) Forward(_ context.Context, req forward.Request, principal string) (*forward.Response, error) {
	s.principal = principal
	s.body = req.Body
	return s.resp, s.err
}

func newTestHandler(t *testing.T, authn Authenticator, upstream Upstream, failureDetail, debug bool) http.Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{
		Authenticator: authn,
		Upstream:      upstream,
		FailureDetail: failureDetail,
		Debug:         debug,
		MaxBodyBytes:  32,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestHandlerRejectsWithFailureDetail(t *testing.T) {
	verdict := auth.Failure(auth.SchemeMAC, auth.ReasonNonceReused)
	h := newTestHandler(t, stubAuthenticator{verdict: verdict}, &stubUpstream{}, true, false)

	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if got := recorder.Header().Get(HeaderFailureDetail); got != "6" {
		t.Fatalf("expected failure detail 6, got %q", got)
	}

	quiet := newTestHandler(t, stubAuthenticator{verdict: verdict}, &stubUpstream{}, false, false)
	recorder = httptest.NewRecorder()
	quiet.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	if recorder.Code != http.StatusUnauthorized || recorder.Header().Get(HeaderFailureDetail) != "" {
		t.Fatalf("failure detail must be omitted when disabled: %d %v", recorder.Code, recorder.Header())
	}
}

func TestHandlerDebugHeaders(t *testing.T) {
	verdict := auth.Failure(auth.SchemeMAC, auth.ReasonSignatureMismatch)
	verdict.Debug = map[string]string{
		auth.DebugNormalized: "1\nabc\nGET\n/\nh\n80\n\n",
		auth.DebugHost:       "example.com",
	}

	off := newTestHandler(t, stubAuthenticator{verdict: verdict}, &stubUpstream{}, true, false)
	recorder := httptest.NewRecorder()
	off.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	for name := range recorder.Header() {
		if strings.HasPrefix(name, HeaderDebugPrefix) {
			t.Fatalf("debug header %s emitted while disabled", name)
		}
	}

	on := newTestHandler(t, stubAuthenticator{verdict: verdict}, &stubUpstream{}, true, true)
	recorder = httptest.NewRecorder()
	on.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	if got := recorder.Header().Get(HeaderDebugPrefix + auth.DebugNormalized); got != `1\nabc\nGET\n/\nh\n80\n\n` {
		t.Fatalf("unexpected escaped normalized string %q", got)
	}
	if got := recorder.Header().Get(HeaderDebugPrefix + auth.DebugHost); got != "example.com" {
		t.Fatalf("unexpected host debug header %q", got)
	}
}

func TestEscapeHeaderValue(t *testing.T) {
	cases := map[string]string{
		"plain":      "plain",
		"a\r\nb":     `a\r\nb`,
		"tab\there":  `tab\there`,
		"nul\x00":    `nul\x00`,
		"del\x7f":    `del\x7f`,
		"utf8 é":     `utf8 \xc3\xa9`,
		`back\slash`: `back\\slash`,
	}
	for in, want := range cases {
		if got := EscapeHeaderValue(in); got != want {
			t.Fatalf("EscapeHeaderValue(%q) = %q want %q", in, got, want)
		}
	}
}

func TestHandlerMapsInfrastructureErrorsTo500(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("check nonce: %w", nonce.ErrUnavailable),
		fmt.Errorf("fetch credentials: %w", creds.ErrUnavailable),
	} {
		upstream := &stubUpstream{}
		h := newTestHandler(t, stubAuthenticator{err: err}, upstream, true, false)
		recorder := httptest.NewRecorder()
		h.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
		if recorder.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500 for %v, got %d", err, recorder.Code)
		}
		if recorder.Header().Get(HeaderFailureDetail) != "" {
			t.Fatalf("infrastructure errors must not carry a failure reason")
		}
		if upstream.principal != "" {
			t.Fatalf("request must not be forwarded")
		}
	}
}

func TestHandlerRelaysUpstreamResponse(t *testing.T) {
	upstream := &stubUpstream{resp: &forward.Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"X-Result": []string{"ok"}},
		Body:       []byte("done"),
		HasBody:    true,
	}}
	h := newTestHandler(t, stubAuthenticator{verdict: auth.Success(auth.SchemeMAC, "alice", "k")}, upstream, true, false)
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("payload")))
	if recorder.Code != http.StatusAccepted || recorder.Body.String() != "done" || recorder.Header().Get("X-Result") != "ok" {
		t.Fatalf("unexpected relay %d %q %v", recorder.Code, recorder.Body.String(), recorder.Header())
	}
	if upstream.principal != "alice" || string(upstream.body) != "payload" {
		t.Fatalf("unexpected forward %q %q", upstream.principal, upstream.body)
	}

	upstream.resp = &forward.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}
	recorder = httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	if recorder.Code != http.StatusNoContent || recorder.Body.Len() != 0 {
		t.Fatalf("unexpected empty relay %d %q", recorder.Code, recorder.Body.String())
	}
}

func TestHandlerUpstreamFailureIs500(t *testing.T) {
	upstream := &stubUpstream{err: fmt.Errorf("%w: connection refused", forward.ErrUpstream)}
	h := newTestHandler(t, stubAuthenticator{verdict: auth.Success(auth.SchemeMAC, "alice", "k")}, upstream, true, false)
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/x", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	upstream := &stubUpstream{}
	h := newTestHandler(t, stubAuthenticator{verdict: auth.Success(auth.SchemeMAC, "alice", "k")}, upstream, true, false)
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("x", 64))))
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
	if upstream.principal != "" {
		t.Fatalf("oversized request must not be forwarded")
	}
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHandler(HandlerConfig{Upstream: &stubUpstream{}}); err == nil {
		t.Fatalf("expected missing authenticator to fail")
	}
	if _, err := NewHandler(HandlerConfig{Authenticator: stubAuthenticator{}}); err == nil {
		t.Fatalf("expected missing upstream to fail")
	}
}

func TestRouterProxiesOperationalPathNames(t *testing.T) {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil)
	upstream := &stubUpstream{resp: &forward.Response{StatusCode: http.StatusOK, Body: []byte("from upstream"), HasBody: true}}
	gateway, err := NewHandler(HandlerConfig{
		Authenticator: stubAuthenticator{verdict: auth.Success(auth.SchemeMAC, "alice", "k")},
		Upstream:      upstream,
		Observability: obs,
	})
	require.NoError(t, err)
	router, err := New(Config{Gateway: gateway, Observability: obs})
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, recorder.Code, path)
		require.Equal(t, "alice", upstream.principal, path)
		require.Equal(t, "from upstream", recorder.Body.String(), path)
	}
}

func TestRouterAuthenticatesOperationalPathNames(t *testing.T) {
	gateway := newTestHandler(t, stubAuthenticator{verdict: auth.Failure("", auth.ReasonNoAuthHeader)}, &stubUpstream{}, true, false)
	router, err := New(Config{Gateway: gateway})
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/metrics", "/anything/else"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusUnauthorized, recorder.Code, path)
		require.Equal(t, "2", recorder.Header().Get(HeaderFailureDetail), path)
	}
}

func TestAdminServesOperationalEndpoints(t *testing.T) {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil)
	gateway, err := NewHandler(HandlerConfig{
		Authenticator: stubAuthenticator{verdict: auth.Failure("", auth.ReasonNoAuthHeader)},
		Upstream:      &stubUpstream{},
		FailureDetail: true,
		Observability: obs,
	})
	require.NoError(t, err)
	router, err := New(Config{Gateway: gateway, Observability: obs})
	require.NoError(t, err)
	admin := NewAdmin(AdminConfig{Observability: obs})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/anything/else", nil))
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "ok", recorder.Body.String())

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `yar_auth_verdicts_total{reason="NoAuthHeader",result="rejected",scheme=""} 1`)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/anything/else", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRouterRateLimits(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	gateway := newTestHandler(t, stubAuthenticator{verdict: auth.Failure("", auth.ReasonNoAuthHeader)}, &stubUpstream{}, true, false)
	router, err := New(Config{Gateway: gateway, RateLimiter: limiter})
	require.NoError(t, err)
	admin := NewAdmin(AdminConfig{})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusUnauthorized, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	health := httptest.NewRecorder()
	admin.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, health.Code)
}

// stack runs the full gateway against a real keystore and an echo upstream.
type stack struct {
	gateway  *httptest.Server
	keystore http.Handler
	mu       sync.Mutex
	received []http.Header
}

func newStack(t *testing.T, debug bool) *stack {
	t.Helper()
	s := &stack{}

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, keystore.AutoMigrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	s.keystore = keystore.New(keystore.Config{DB: db}).Handler()
	keystoreServer := httptest.NewServer(s.keystore)
	t.Cleanup(keystoreServer.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.received = append(s.received, r.Header.Clone())
		s.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo-Principal", strings.TrimPrefix(r.Header.Get("Authorization"), "YAR "))
		if r.URL.Path == "/widgets/1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":1,"name":"sprocket"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	resolver, err := creds.NewHTTPResolver(creds.HTTPConfig{BaseURL: keystoreServer.URL, Timeout: time.Second})
	require.NoError(t, err)
	guard := nonce.NewGuard(nonce.NewMemoryStore(time.Minute, 0, nil), time.Second)
	cfg := auth.Config{MaxAge: 30 * time.Second, Debug: debug}
	registry := auth.NewRegistry(
		auth.NewMACAuthenticator(guard, resolver, cfg),
		auth.NewBasicAuthenticator(resolver, cfg),
	)
	fwd, err := forward.New(forward.Config{Upstream: upstreamURL})
	require.NoError(t, err)
	handler, err := NewHandler(HandlerConfig{
		Authenticator: registry,
		Upstream:      fwd,
		FailureDetail: true,
		Debug:         debug,
	})
	require.NoError(t, err)
	router, err := New(Config{Gateway: handler})
	require.NoError(t, err)
	s.gateway = httptest.NewServer(router)
	t.Cleanup(s.gateway.Close)
	return s
}

type issued struct {
	ID        string  `json:"id"`
	MACKey    *string `json:"mac_key"`
	MACKeyID  *string `json:"mac_key_identifier"`
	APIKey    *string `json:"api_key"`
	Algorithm *string `json:"mac_algorithm"`
}

func (s *stack) upstreamHeaders() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.received...)
}

func (s *stack) issue(t *testing.T, body string) issued {
	t.Helper()
	recorder := httptest.NewRecorder()
	s.keystore.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/creds", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	var out issued
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&out))
	return out
}

func (s *stack) revoke(t *testing.T, id string) {
	t.Helper()
	recorder := httptest.NewRecorder()
	s.keystore.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/v1/creds/"+id, nil))
	require.Equal(t, http.StatusOK, recorder.Code)
}

func (s *stack) signed(t *testing.T, cred issued, method, path, contentType string, body []byte, ts time.Time, nonceValue string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, s.gateway.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	_, err = auth.SignRequest(req, body, auth.ClientCredential{
		KeyIdentifier: *cred.MACKeyID,
		Secret:        *cred.MACKey,
		Algorithm:     auth.Algorithm(*cred.Algorithm),
	}, ts, nonceValue)
	require.NoError(t, err)
	return req
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestGatewayEndToEnd(t *testing.T) {
	s := newStack(t, false)
	alice := s.issue(t, `{"principal":"alice","mac_algorithm":"hmac-sha-1"}`)
	now := time.Now()

	req := s.signed(t, alice, http.MethodPost, "/orders?id=7", "application/json", []byte(`{"qty":2}`), now, "")
	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"qty":2}`, body)
	require.Equal(t, "alice", resp.Header.Get("X-Echo-Principal"))

	replay := s.signed(t, alice, http.MethodPost, "/orders?id=7", "application/json", []byte(`{"qty":2}`), now, "replay01")
	resp, _ = do(t, replay)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replayAgain := s.signed(t, alice, http.MethodPost, "/orders?id=7", "application/json", []byte(`{"qty":2}`), now, "replay01")
	resp, _ = do(t, replayAgain)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, auth.ReasonNonceReused.Code(), resp.Header.Get(HeaderFailureDetail))

	tampered := s.signed(t, alice, http.MethodPost, "/orders", "application/json", []byte(`{"qty":2}`), now, "tamper01")
	tampered.Body = io.NopCloser(strings.NewReader(`{"qty":9}`))
	tampered.ContentLength = int64(len(`{"qty":9}`))
	resp, _ = do(t, tampered)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, auth.ReasonSignatureMismatch.Code(), resp.Header.Get(HeaderFailureDetail))

	stale := s.signed(t, alice, http.MethodGet, "/orders", "", nil, now.Add(-time.Minute), "stale001")
	resp, _ = do(t, stale)
	require.Equal(t, auth.ReasonTimestampTooOld.Code(), resp.Header.Get(HeaderFailureDetail))

	noAuth, err := http.NewRequest(http.MethodGet, s.gateway.URL+"/orders", nil)
	require.NoError(t, err)
	resp, _ = do(t, noAuth)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, auth.ReasonNoAuthHeader.Code(), resp.Header.Get(HeaderFailureDetail))

	s.revoke(t, *alice.MACKeyID)
	revoked := s.signed(t, alice, http.MethodGet, "/orders", "", nil, time.Now(), "revoke01")
	resp, _ = do(t, revoked)
	require.Equal(t, auth.ReasonCredsNotFound.Code(), resp.Header.Get(HeaderFailureDetail))

	for _, h := range s.upstreamHeaders() {
		require.Equal(t, "YAR alice", h.Get("Authorization"))
	}
}

func TestGatewayWidgetScenario(t *testing.T) {
	s := newStack(t, false)
	alice := s.issue(t, `{"principal":"alice","mac_algorithm":"hmac-sha-1"}`)
	require.Equal(t, string(auth.HMACSHA1), *alice.Algorithm)

	req := s.signed(t, alice, http.MethodGet, "/widgets/1", "", nil, time.Now(), "")
	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, `{"id":1,"name":"sprocket"}`, body)
	received := s.upstreamHeaders()
	require.Len(t, received, 1)
	require.Equal(t, "YAR alice", received[0].Get("Authorization"))

	future := s.signed(t, alice, http.MethodGet, "/widgets/1", "", nil, time.Now().Add(1000*time.Second), "")
	resp, _ = do(t, future)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, auth.ReasonTimestampInFuture.Code(), resp.Header.Get(HeaderFailureDetail))
}

func TestGatewayEndToEndBasic(t *testing.T) {
	s := newStack(t, false)
	bob := s.issue(t, `{"principal":"bob","type":"basic"}`)

	req, err := http.NewRequest(http.MethodGet, s.gateway.URL+"/reports", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", auth.BasicHeader(*bob.APIKey))
	resp, _ := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "bob", resp.Header.Get("X-Echo-Principal"))

	req, err = http.NewRequest(http.MethodGet, s.gateway.URL+"/reports", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "BASIC not-base64!")
	resp, _ = do(t, req)
	require.Equal(t, auth.ReasonInvalidBasicAuthHeader.Code(), resp.Header.Get(HeaderFailureDetail))
}

func TestGatewayConcurrentReplayAcceptsExactlyOne(t *testing.T) {
	s := newStack(t, false)
	alice := s.issue(t, `{"principal":"alice"}`)
	template := s.signed(t, alice, http.MethodGet, "/race", "", nil, time.Now(), "concur01")
	authorization := template.Header.Get("Authorization")

	const attempts = 16
	codes := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, s.gateway.URL+"/race", nil)
			if err != nil {
				t.Errorf("new request: %v", err)
				return
			}
			req.Header.Set("Authorization", authorization)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("do: %v", err)
				return
			}
			_ = resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)
	accepted := 0
	for code := range codes {
		switch code {
		case http.StatusOK:
			accepted++
		case http.StatusUnauthorized:
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	require.Equal(t, 1, accepted)
}

func TestGatewayDebugHeadersOnMismatch(t *testing.T) {
	s := newStack(t, true)
	alice := s.issue(t, `{"principal":"alice"}`)
	req := s.signed(t, alice, http.MethodPut, "/doc", "text/plain", []byte("v1"), time.Now(), "debugrun")
	req.Body = io.NopCloser(strings.NewReader("v2"))
	resp, _ := do(t, req)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, auth.ReasonSignatureMismatch.Code(), resp.Header.Get(HeaderFailureDetail))
	require.Equal(t, "/doc", resp.Header.Get(HeaderDebugPrefix+auth.DebugURI))
	require.Equal(t, "PUT", resp.Header.Get(HeaderDebugPrefix+auth.DebugMethod))
	require.Contains(t, resp.Header.Get(HeaderDebugPrefix+auth.DebugNormalized), `\n`)
	require.NotContains(t, resp.Header.Get(HeaderDebugPrefix+auth.DebugNormalized), "\n")
}

func TestGatewayKeystoreDownIs500(t *testing.T) {
	resolver, err := creds.NewHTTPResolver(creds.HTTPConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	registry := auth.NewRegistry(auth.NewBasicAuthenticator(resolver, auth.Config{}))
	h, err := NewHandler(HandlerConfig{Authenticator: registry, Upstream: &stubUpstream{}, FailureDetail: true})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", auth.BasicHeader("anykey"))
	h.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Empty(t, recorder.Header().Get(HeaderFailureDetail))
}
