// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// visit lifecycle.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	draftSaves       *prometheus.CounterVec
	notificationSent *prometheus.CounterVec
}

func NewMetrics(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "visit_transitions_total",
			Help:        "Committed visit lifecycle events",
			ConstLabels: constLabels,
		}, []string{"event"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "visit_commands_rejected_total",
			Help:        "Visit commands rejected, by error kind",
			ConstLabels: constLabels,
		}, []string{"command", "kind"}),
		draftSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "draft_saves_total",
			Help:        "Draft autosave attempts, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		notificationSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "notifications_total",
			Help:        "Clinician notifications, by template and status",
			ConstLabels: constLabels,
		}, []string{"template", "status"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.transitions, m.rejections, m.draftSaves, m.notificationSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Register adds extra collectors, e.g. a database pool gauge.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TransitionCommitted counts a committed lifecycle event.
func (m *Metrics) TransitionCommitted(event string) {
	m.transitions.WithLabelValues(event).Inc()
}

// CommandRejected counts a rejected lifecycle command.
func (m *Metrics) CommandRejected(command, kind string) {
	m.rejections.WithLabelValues(command, kind).Inc()
}

// DraftSaved counts a draft autosave by result: saved, conflict or error.
func (m *Metrics) DraftSaved(result string) {
	m.draftSaves.WithLabelValues(result).Inc()
}

// NotificationSent counts a notification by template and delivery status.
func (m *Metrics) NotificationSent(template, status string) {
	m.notificationSent.WithLabelValues(template, status).Inc()
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
