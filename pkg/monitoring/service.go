package monitoring

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	prometheus_metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

const (
	MetricsNamespaceServer   = "server"
	MetricsNamespaceAPI      = "api"
	challengeMetricsSubsystem = "challenge"
	routerMetricsSubsystem    = "router"
	platformMetricsSubsystem  = "platform"
	tierLabel                 = "tier"
	kindLabel                 = "kind"
	resultLabel               = "result"
)

type Service struct {
	Registry                *prometheus.Registry
	fineAPIMiddleware       middleware.Middleware
	coarseServerMiddleware  middleware.Middleware
	tierCounter             *prometheus.CounterVec
	challengeCounter        *prometheus.CounterVec
	verifyCounter           *prometheus.CounterVec
	hitRatioGauge           *prometheus.GaugeVec
	clickhouseHealthGauge   *prometheus.GaugeVec
	postgresHealthGauge     *prometheus.GaugeVec
	kvHealthGauge           *prometheus.GaugeVec
}

var _ common.PlatformMetrics = (*Service)(nil)
var _ common.APIMetrics = (*Service)(nil)

func traceID() string {
	return xid.New().String()
}

func Logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		ctx, _ := common.TraceContextFunc(r.Context(), traceID)

		slog.Log(ctx, common.LevelTrace, "Started request", "path", r.URL.Path, "method", r.Method)
		defer func() {
			slog.Log(ctx, common.LevelTrace, "Finished request", "path", r.URL.Path, "method", r.Method,
				"duration", time.Since(t).Milliseconds())
		}()

		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Traced(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tid := common.TraceContextFunc(r.Context(), traceID)
		headers := w.Header()
		headers[common.HeaderTraceID] = []string{tid}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewService() *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tierCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespaceAPI,
			Subsystem: routerMetricsSubsystem,
			Name:      "tier_total",
			Help:      "Total number of routing decisions per tier",
		},
		[]string{tierLabel},
	)
	reg.MustRegister(tierCounter)

	challengeCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespaceAPI,
			Subsystem: challengeMetricsSubsystem,
			Name:      "create_total",
			Help:      "Total number of challenges created",
		},
		[]string{kindLabel},
	)
	reg.MustRegister(challengeCounter)

	verifyCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespaceAPI,
			Subsystem: challengeMetricsSubsystem,
			Name:      "verify_total",
			Help:      "Total number of challenge verifications",
		},
		[]string{kindLabel, resultLabel},
	)
	reg.MustRegister(verifyCounter)

	clickhouseHealthGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespaceServer,
			Subsystem: platformMetricsSubsystem,
			Name:      "health_clickhouse",
			Help:      "Health status of ClickHouse",
		},
		[]string{},
	)
	reg.MustRegister(clickhouseHealthGauge)

	postgresHealthGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespaceServer,
			Subsystem: platformMetricsSubsystem,
			Name:      "health_postgres",
			Help:      "Health status of Postgres",
		},
		[]string{},
	)
	reg.MustRegister(postgresHealthGauge)

	kvHealthGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespaceServer,
			Subsystem: platformMetricsSubsystem,
			Name:      "health_kv",
			Help:      "Health status of the KV store",
		},
		[]string{},
	)
	reg.MustRegister(kvHealthGauge)

	hitRatioGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespaceServer,
			Subsystem: platformMetricsSubsystem,
			Name:      "cache_hit_ratio",
			Help:      "In-memory cache hit ratio",
		},
		[]string{},
	)
	reg.MustRegister(hitRatioGauge)

	fineRecorder := prometheus_metrics.NewRecorder(prometheus_metrics.Config{
		Prefix:          "fine",
		Registry:        reg,
		DurationBuckets: []float64{.05, .1, .25, .5, 1, 2.5},
	})

	coarseRecorder := prometheus_metrics.NewRecorder(prometheus_metrics.Config{
		Prefix:          "coarse",
		Registry:        reg,
		DurationBuckets: []float64{.05, .1, .5, 1, 2.5},
	})

	return &Service{
		Registry: reg,
		fineAPIMiddleware: middleware.New(middleware.Config{
			// this is added as Service label
			Service:            MetricsNamespaceAPI,
			DisableMeasureSize: true,
			Recorder:           fineRecorder,
		}),
		coarseServerMiddleware: middleware.New(middleware.Config{
			// this is added as Service label
			Service:                MetricsNamespaceServer,
			GroupedStatus:          true,
			DisableMeasureSize:     true,
			DisableMeasureInflight: true,
			Recorder:               coarseRecorder,
		}),
		tierCounter:           tierCounter,
		challengeCounter:      challengeCounter,
		verifyCounter:         verifyCounter,
		hitRatioGauge:         hitRatioGauge,
		clickhouseHealthGauge: clickhouseHealthGauge,
		postgresHealthGauge:   postgresHealthGauge,
		kvHealthGauge:         kvHealthGauge,
	}
}

func (s *Service) Handler(h http.Handler) http.Handler {
	// handlerID is taken from the request path in this case
	return std.Handler("", s.fineAPIMiddleware, h)
}

func (s *Service) IgnoredHandler(h http.Handler) http.Handler {
	return std.Handler("_ignored", s.coarseServerMiddleware, h)
}

func (s *Service) ObserveTierDecision(tier string) {
	s.tierCounter.With(prometheus.Labels{tierLabel: tier}).Inc()
}

func (s *Service) ObserveChallengeCreated(kind string) {
	s.challengeCounter.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func (s *Service) ObserveChallengeVerified(kind string, success bool) {
	s.verifyCounter.With(prometheus.Labels{
		kindLabel:   kind,
		resultLabel: strconv.FormatBool(success),
	}).Inc()
}

func (s *Service) ObserveCacheHitRatio(ratio float64) {
	s.hitRatioGauge.With(prometheus.Labels{}).Set(ratio)
}

func (s *Service) ObserveHealth(postgres, clickhouse, kv bool) {
	boolToGauge := func(healthy bool) float64 {
		if healthy {
			return 1
		}
		return 0
	}

	s.postgresHealthGauge.With(prometheus.Labels{}).Set(boolToGauge(postgres))
	s.clickhouseHealthGauge.With(prometheus.Labels{}).Set(boolToGauge(clickhouse))
	s.kvHealthGauge.With(prometheus.Labels{}).Set(boolToGauge(kv))
}

func (s *Service) Setup(mux *http.ServeMux) {
	mux.Handle(http.MethodGet+" /metrics", common.Recovered(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})))

	mux.HandleFunc(http.MethodGet+" /debug/pprof/", pprof.Index)
	mux.HandleFunc(http.MethodGet+" /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc(http.MethodGet+" /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc(http.MethodGet+" /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc(http.MethodGet+" /debug/pprof/trace", pprof.Trace)
}
