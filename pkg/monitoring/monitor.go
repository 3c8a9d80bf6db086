package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	InstanceCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gzctf_instance_operations_total",
			Help: "Instance lifecycle operations by outcome",
		},
		[]string{"op", "result"},
	)

	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gzctf_container_provider_duration_seconds",
			Help:    "Latency of container backend calls",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60},
		},
		[]string{"backend", "op"},
	)

	SubmissionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gzctf_submissions_total",
			Help: "Resolved submissions by status",
		},
		[]string{"status"},
	)

	CheckerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gzctf_checker_queue_depth",
			Help: "Submissions waiting for verification",
		},
	)

	ScoreboardRecompute = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gzctf_scoreboard_recompute_seconds",
			Help:    "Duration of scoreboard recomputation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"result"},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(InstanceCounter)
	prometheus.MustRegister(ProviderDuration)
	prometheus.MustRegister(SubmissionCounter)
	prometheus.MustRegister(CheckerQueueDepth)
	prometheus.MustRegister(ScoreboardRecompute)
}

// ObserveProvider 记录一次容器后端调用耗时
func ObserveProvider(backend, op string, start time.Time) {
	ProviderDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
