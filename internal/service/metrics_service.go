package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the engine.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	decisionTotal    *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	promotionTotal   prometheus.Counter
	casConflictTotal prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

// NewMetricsService registers the engine's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	decisionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_decisions_total",
		Help: "Total admission decisions by outcome and reason",
	}, []string{"outcome", "reason"})

	decisionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrollment_decision_duration_seconds",
		Help:    "Duration of admission decisions including the store transaction",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	promotionTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_promotions_total",
		Help: "Total waitlist promotions into freed seats",
	})

	casConflictTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "policy_cas_conflicts_total",
		Help: "Total policy writes lost to a concurrent writer",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "policy_cache_hits_total",
		Help: "Total policy snapshot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "policy_cache_misses_total",
		Help: "Total policy snapshot cache misses",
	})

	registry.MustRegister(decisionTotal, decisionDuration, promotionTotal, casConflictTotal, cacheHits, cacheMisses)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		decisionTotal:    decisionTotal,
		decisionDuration: decisionDuration,
		promotionTotal:   promotionTotal,
		casConflictTotal: casConflictTotal,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return s.handler
}

// ObserveDecision records one admission decision.
func (s *MetricsService) ObserveDecision(outcome, reason string, duration time.Duration) {
	if s == nil {
		return
	}
	s.decisionTotal.WithLabelValues(outcome, reason).Inc()
	s.decisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePromotion records one waitlist promotion.
func (s *MetricsService) ObservePromotion() {
	if s == nil {
		return
	}
	s.promotionTotal.Inc()
}

// ObserveCASConflict records one policy write lost to a concurrent writer.
func (s *MetricsService) ObserveCASConflict() {
	if s == nil {
		return
	}
	s.casConflictTotal.Inc()
}

// ObserveCacheHit records a policy snapshot cache hit or miss.
func (s *MetricsService) ObserveCacheHit(hit bool) {
	if s == nil {
		return
	}
	if hit {
		s.cacheHits.Inc()
		return
	}
	s.cacheMisses.Inc()
}
