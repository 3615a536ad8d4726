package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"yar/gateway/auth"
	"yar/gateway/config"
	"yar/gateway/creds"
	"yar/gateway/forward"
	"yar/gateway/middleware"
	"yar/gateway/nonce"
	"yar/gateway/routes"
	"yar/observability/logging"
	telemetry "yar/observability/otel"
)

func main() {
	var (
		cfgPath       string
		listen        string
		upstream      string
		keystore      string
		nonceBackend  string
		nonceAddrs    string
		maxAge        string
		authMethod    string
		debug         bool
		allowInsecure bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (YAML or .toml)")
	flag.StringVar(&listen, "listen", "", "listen address, e.g. :8000")
	flag.StringVar(&upstream, "upstream", "", "upstream service URL")
	flag.StringVar(&keystore, "keystore", "", "credential store base URL")
	flag.StringVar(&nonceBackend, "nonce-backend", "", "nonce store backend (memory|redis|leveldb)")
	flag.StringVar(&nonceAddrs, "nonce-addrs", "", "comma separated redis addresses")
	flag.StringVar(&maxAge, "max-age", "", "maximum request age in seconds")
	flag.StringVar(&authMethod, "auth-method", "", "Authorization scheme presented to upstream")
	flag.BoolVar(&debug, "debug", false, "attach signature debug headers to rejected MAC requests")
	flag.BoolVar(&allowInsecure, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("YAR_ENV"))
	bootLogger := logging.Setup("yar-gateway", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, flagOverrides{
		listen:       listen,
		upstream:     upstream,
		keystore:     keystore,
		nonceBackend: nonceBackend,
		nonceAddrs:   nonceAddrs,
		maxAge:       maxAge,
		authMethod:   authMethod,
		debug:        debug,
	}); err != nil {
		bootLogger.Error("apply flags", "error", err)
		os.Exit(1)
	}

	logger := logging.SetupWithConfig(logging.Config{
		Service:    cfg.Observability.ServiceName,
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	telemetryCfg := telemetry.ConfigFromEnv(cfg.Observability.ServiceName, env, os.Getenv)
	telemetryCfg.Metrics = cfg.Observability.Metrics && telemetryCfg.Endpoint != ""
	telemetryCfg.Traces = cfg.Observability.Tracing && telemetryCfg.Endpoint != ""
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		logger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstreamURL, err := secureURL(env, cfg, cfg.UpstreamURL, "upstream", logger)
	if err != nil {
		logger.Error("configure upstream", "error", err)
		os.Exit(1)
	}
	keystoreURL, err := secureURL(env, cfg, cfg.KeyStoreURL, "keystore", logger)
	if err != nil {
		logger.Error("configure keystore", "error", err)
		os.Exit(1)
	}

	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	store, closeStore, err := openNonceStore(ctx, cfg.Nonce, logger)
	if err != nil {
		logger.Error("open nonce store", "error", err, "backend", cfg.Nonce.Backend)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore.Close(); err != nil {
			logger.Warn("close nonce store", "error", err)
		}
	}()
	guard := nonce.NewGuard(store, cfg.Nonce.Timeout)

	httpResolver, err := creds.NewHTTPResolver(creds.HTTPConfig{
		BaseURL: keystoreURL.String(),
		Timeout: cfg.KeyStore.Timeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("configure credential resolver", "error", err)
		os.Exit(1)
	}
	resolver := creds.NewCachingResolver(httpResolver, cfg.KeyStore.CacheTTL, nil)

	authCfg := auth.Config{MaxAge: cfg.Auth.MaxAge, Debug: cfg.Auth.Debug, Logger: logger}
	var authenticators []auth.Authenticator
	if cfg.Auth.SchemeEnabled(auth.SchemeMAC) {
		authenticators = append(authenticators, auth.NewMACAuthenticator(guard, resolver, authCfg))
	}
	if cfg.Auth.SchemeEnabled(auth.SchemeBasic) {
		authenticators = append(authenticators, auth.NewBasicAuthenticator(resolver, authCfg))
	}
	registry := auth.NewRegistry(authenticators...)

	forwarder, err := forward.New(forward.Config{
		Upstream:         upstreamURL,
		InternalScheme:   cfg.Auth.InternalScheme,
		Timeout:          cfg.Upstream.Timeout,
		MaxResponseBytes: cfg.Upstream.MaxResponseBytes,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("configure forwarder", "error", err)
		os.Exit(1)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	gateway, err := routes.NewHandler(routes.HandlerConfig{
		Authenticator: registry,
		Upstream:      forwarder,
		FailureDetail: cfg.Auth.FailureDetailEnabled(),
		Debug:         cfg.Auth.Debug,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("configure gateway handler", "error", err)
		os.Exit(1)
	}
	trustedProxies := make([]*net.IPNet, 0, len(cfg.RateLimit.TrustedProxies))
	for _, raw := range cfg.RateLimit.TrustedProxies {
		network, err := config.ParseNetwork(raw)
		if err != nil {
			logger.Error("configure trusted proxies", "error", err)
			os.Exit(1)
		}
		trustedProxies = append(trustedProxies, network)
	}
	router, err := routes.New(routes.Config{
		Gateway: gateway,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    trustedProxies,
		}, logger),
		Observability: obs,
	})
	if err != nil {
		logger.Error("configure routes", "error", err)
		os.Exit(1)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		logger.Error("configure TLS", "error", err)
		os.Exit(1)
	}
	if tlsConfig == nil {
		if !(cfg.Security.AllowInsecure || allowInsecure) {
			logger.Error("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
			os.Exit(1)
		}
		if !strings.EqualFold(env, "dev") && !isLoopbackAddress(cfg.ListenAddress) {
			logger.Error("plaintext gateway mode is restricted to loopback listeners or dev environment")
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		logger.Info("gateway listening",
			"address", fmt.Sprintf("%s://%s", scheme, listener.Addr()),
			"upstream", upstreamURL.String(),
			"keystore", keystoreURL.String(),
			"nonceBackend", cfg.Nonce.Backend,
			"maxAge", cfg.Auth.MaxAge.String(),
			"schemes", strings.Join(cfg.Auth.Schemes, ","))
		var err error
		if tlsConfig != nil {
			err = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var adminServer *http.Server
	if addr := strings.TrimSpace(cfg.AdminAddress); addr != "" {
		if !isLoopbackAddress(addr) {
			logger.Warn("admin listener is not bound to loopback; /metrics is served without authentication", "address", addr)
		}
		adminServer = &http.Server{
			Addr:              addr,
			Handler:           routes.NewAdmin(routes.AdminConfig{Observability: obs}),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		go func() {
			logger.Info("admin listening", "address", addr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin serve", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			logger.Error("serve", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown failed", "error", err)
		}
	}
}

type flagOverrides struct {
	listen       string
	upstream     string
	keystore     string
	nonceBackend string
	nonceAddrs   string
	maxAge       string
	authMethod   string
	debug        bool
}

// applyFlags layers command line values over the file and environment, then
// re-validates.
func applyFlags(cfg *config.Config, f flagOverrides) error {
	if f.listen != "" {
		cfg.ListenAddress = f.listen
	}
	if f.upstream != "" {
		cfg.Upstream.URL = f.upstream
	}
	if f.keystore != "" {
		cfg.KeyStore.URL = f.keystore
	}
	if f.nonceBackend != "" {
		cfg.Nonce.Backend = f.nonceBackend
	}
	if f.nonceAddrs != "" {
		cfg.Nonce.Addresses = config.SplitList(f.nonceAddrs)
	}
	if f.maxAge != "" {
		d, err := config.ParseSeconds(f.maxAge)
		if err != nil {
			return fmt.Errorf("-max-age: %w", err)
		}
		cfg.Auth.MaxAge = d
	}
	if f.authMethod != "" {
		cfg.Auth.InternalScheme = f.authMethod
	}
	if f.debug {
		cfg.Auth.Debug = true
	}
	return cfg.Validate()
}

func secureURL(env string, cfg config.Config, parse func() (*url.URL, error), name string, logger *slog.Logger) (*url.URL, error) {
	parsed, err := parse()
	if err != nil {
		return nil, err
	}
	secured, upgraded, err := config.EnforceSecureScheme(env, parsed, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		return nil, fmt.Errorf("enforce HTTPS for %s: %w", name, err)
	}
	if upgraded {
		logger.Info("auto-upgraded endpoint to HTTPS", "component", name)
	}
	return secured, nil
}

func openNonceStore(ctx context.Context, cfg config.NonceConfig, logger *slog.Logger) (nonce.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.NonceBackendRedis:
		store, err := nonce.NewRedisStore(nonce.RedisConfig{
			Addrs:    cfg.Addresses,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("redis nonce store not reachable at startup", "error", err,
				logging.MaskField("password", cfg.Password))
		}
		return store, store, nil
	case config.NonceBackendLevelDB:
		store, err := nonce.NewLevelDBStore(cfg.Path, cfg.TTL, nil)
		if err != nil {
			return nil, nil, err
		}
		go store.RunPruner(ctx, 0)
		return store, store, nil
	default:
		logger.Warn("using in-process nonce store; replays are only detected per gateway instance")
		store := nonce.NewMemoryStore(cfg.TTL, cfg.Capacity, nil).LimitPerKey(cfg.KeyCapacity)
		return store, closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	caPath := resolveTLSPath(baseDir, sec.TLSClientCAFile)
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
