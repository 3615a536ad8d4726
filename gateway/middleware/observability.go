package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability records request metrics and spans, plus the authentication
// and upstream metrics the gateway handler reports.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	verdicts  *prometheus.CounterVec
	infra     *prometheus.CounterVec
	upstream  *prometheus.HistogramVec
	registry  *prometheus.Registry
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "yar-gateway"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "yar"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "auth_verdicts_total",
		Help:      "Authentication verdicts by scheme and failure reason.",
	}, []string{"scheme", "result", "reason"})
	infra := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "infrastructure_errors_total",
		Help:      "Requests failed by an unavailable dependency.",
	}, []string{"dependency"})
	upstream := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "upstream_duration_seconds",
		Help:      "Duration of forwarded upstream exchanges in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	registry.MustRegister(requests, durations, verdicts, infra, upstream)
	tracer := otel.Tracer(cfg.ServiceName)
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		requests:  requests,
		durations: durations,
		verdicts:  verdicts,
		infra:     infra,
		upstream:  upstream,
		registry:  registry,
	}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
			if o.cfg.LogRequests {
				o.logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"durationMs", duration*1000)
			}
		})
	}
}

// ObserveVerdict counts one authentication outcome.
func (o *Observability) ObserveVerdict(scheme string, ok bool, reason string) {
	if o == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
		reason = ""
	}
	o.verdicts.WithLabelValues(scheme, result, reason).Inc()
}

// ObserveInfrastructureError counts a request failed by a dependency.
func (o *Observability) ObserveInfrastructureError(dependency string) {
	if o == nil {
		return
	}
	o.infra.WithLabelValues(dependency).Inc()
}

// ObserveUpstream records one upstream exchange; status 0 means it failed.
func (o *Observability) ObserveUpstream(status int, d time.Duration) {
	if o == nil {
		return
	}
	o.upstream.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
}

// MetricsHandler serves the request metrics together with the process-wide
// collectors on the default registry, which include the store metrics.
func (o *Observability) MetricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{o.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// Registry exposes the collector registry, mainly for tests.
func (o *Observability) Registry() *prometheus.Registry {
	return o.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
