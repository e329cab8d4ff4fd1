// Package telemetry exposes the gateway's Prometheus metrics: HTTP server
// traffic, authorization outcomes, upstream calls and discovery cache use.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream targets.
const (
	TargetFHIR = "fhir"
	TargetIdP  = "idp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carelink",
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carelink",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carelink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carelink",
			Name:      "auth_decisions_total",
			Help:      "Authorization decisions by scheme and outcome.",
		},
		[]string{"scheme", "outcome"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carelink",
			Name:      "upstream_requests_total",
			Help:      "Calls to upstream services by target, operation and outcome.",
		},
		[]string{"target", "operation", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carelink",
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream call latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "operation"},
	)

	discoveryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carelink",
			Name:      "discovery_cache_lookups_total",
			Help:      "Discovery cache lookups by result.",
		},
		[]string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authDecisions, upstreamRequests, upstreamDuration, discoveryLookups,
	}
}

var registerOnce sync.Once

// Register adds the gateway collectors to reg. Collectors already present
// are left in place, so calling it twice is harmless.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Init registers the collectors with the default registry once.
func Init() {
	registerOnce.Do(func() {
		if err := Register(prometheus.DefaultRegisterer); err != nil {
			panic(err)
		}
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// MetricsMiddleware records request count, latency and in-flight requests,
// labelled by route pattern rather than raw path.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if sc, ok := err.(interface{ StatusCode() int }); ok {
					status = sc.StatusCode()
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := strconv.Itoa(status)
			method := c.Request().Method
			httpRequestDuration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(method, route, code).Inc()
			return err
		}
	}
}

// ObserveAuthDecision counts one allow or deny decision.
func ObserveAuthDecision(scheme, outcome string) {
	if scheme == "" {
		scheme = "none"
	}
	authDecisions.WithLabelValues(scheme, outcome).Inc()
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(target, operation, outcome string, elapsed time.Duration) {
	upstreamRequests.WithLabelValues(target, operation, outcome).Inc()
	upstreamDuration.WithLabelValues(target, operation).Observe(elapsed.Seconds())
}

// ObserveDiscoveryLookup counts a discovery cache hit or miss.
func ObserveDiscoveryLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	discoveryLookups.WithLabelValues(result).Inc()
}

// ResourceFromPath returns the gateway resource segment of a /fhir path, or
// "" for paths outside it. "/fhir/patients/123" yields "patients".
func ResourceFromPath(path string) string {
	const prefix = "/fhir/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
