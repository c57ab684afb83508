// Package metrics exposes bridge health to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
)

const namespace = "blueiris"

// StateSource is read on every scrape.
type StateSource interface {
	IsLoggedIn() bool
	Cameras() []blueiris.Camera
	EntityCounts() map[string]int
	DeviceCount() int
	LastUpdate() time.Time
}

var (
	upDesc = prometheus.NewDesc(
		namespace+"_up", "Whether the bridge is logged in to the server.", nil, nil,
	)
	cameraUpDesc = prometheus.NewDesc(
		namespace+"_camera_up", "Camera online status.", []string{"id", "name"}, nil,
	)
	entitiesDesc = prometheus.NewDesc(
		namespace+"_entities", "Entities currently generated, per domain.", []string{"domain"}, nil,
	)
	devicesDesc = prometheus.NewDesc(
		namespace+"_devices", "Devices currently known.", nil, nil,
	)
	lastUpdateDesc = prometheus.NewDesc(
		namespace+"_last_update_timestamp_seconds", "Time of the last successful server call.", nil, nil,
	)
)

type stateCollector struct {
	source StateSource
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- upDesc
	ch <- cameraUpDesc
	ch <- entitiesDesc
	ch <- devicesDesc
	ch <- lastUpdateDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, boolValue(c.source.IsLoggedIn()))

	for _, camera := range c.source.Cameras() {
		ch <- prometheus.MustNewConstMetric(cameraUpDesc, prometheus.GaugeValue, boolValue(camera.IsOnline), camera.ID, camera.Name)
	}

	for domain, count := range c.source.EntityCounts() {
		ch <- prometheus.MustNewConstMetric(entitiesDesc, prometheus.GaugeValue, float64(count), domain)
	}

	ch <- prometheus.MustNewConstMetric(devicesDesc, prometheus.GaugeValue, float64(c.source.DeviceCount()))

	if last := c.source.LastUpdate(); !last.IsZero() {
		ch <- prometheus.MustNewConstMetric(lastUpdateDesc, prometheus.GaugeValue, float64(last.Unix()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry        *prometheus.Registry
	logger          *logrus.Logger
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	events          *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
}

func New(logger *logrus.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Server commands by result.",
		}, []string{"cmd", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Server command latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cmd"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_cycle_duration_seconds",
			Help:      "Duration of a poll cycle including reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Camera events received over MQTT.",
		}, []string{"event_type", "accepted"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_reconciled_total",
			Help:      "Entities added or removed by reconciliation.",
		}, []string{"action"}),
	}

	m.registry.MustRegister(m.requests, m.requestDuration, m.cycles, m.cycleDuration, m.events, m.reconciled)

	return m
}

// RegisterState adds the scrape-time collector for source.
func (m *Metrics) RegisterState(source StateSource) error {
	return m.registry.Register(&stateCollector{source: source})
}

// ObserveRequest implements blueiris.RequestObserver.
func (m *Metrics) ObserveRequest(cmd, result string, d time.Duration) {
	if result == "" {
		result = "error"
	}
	m.requests.WithLabelValues(cmd, result).Inc()
	m.requestDuration.WithLabelValues(cmd).Observe(d.Seconds())
}

func (m *Metrics) ObserveCycle(err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveEvent(eventType string, accepted bool) {
	label := "false"
	if accepted {
		label = "true"
	}
	m.events.WithLabelValues(eventType, label).Inc()
}

func (m *Metrics) ObserveReconcile(added, removed int) {
	m.reconciled.WithLabelValues("added").Add(float64(added))
	m.reconciled.WithLabelValues("removed").Add(float64(removed))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: m.logger,
	})
}
