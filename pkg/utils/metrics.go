package utils

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricCRLChecks        = "crl_checks_total"
	MetricCRLProcessed     = "crl_processed_total"
	MetricCRLUniqueURLs    = "crl_unique_urls"
	MetricCRLSkippedEmpty  = "crl_skipped_empty_total"
	MetricCRLAlerts        = "crl_alerts_total"
	MetricTSLChecks        = "tsl_checks_total"
	MetricTSLFetch         = "tsl_fetch_total"
	MetricTSLActiveCAs     = "tsl_active_cas"
	MetricTSLCRLURLs       = "tsl_crl_urls"
	MetricTSLDiffEntries   = "tsl_diff_entries_total"
	MetricStoreFallback    = "store_fallback_total"
	MetricNotifyMessages   = "notify_messages_total"
	MetricPassDuration     = "pass_duration_seconds"
	MetricLastPassUnixTime = "last_pass_timestamp_seconds"
)

// MetricsCollector keeps named vectors in its own registry. A nil collector
// accepts every call and records nothing.
type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

func NewMetricsCollector(enableRuntimeMetrics bool) *MetricsCollector {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(collectors.NewGoCollector())
	}
	return &MetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// RegisterDefaults registers every metric the monitors report.
func (m *MetricsCollector) RegisterDefaults() error {
	counters := []struct {
		name, help string
		labels     []string
	}{
		{MetricCRLChecks, "Completed CRL monitoring passes.", nil},
		{MetricCRLProcessed, "CRL groups processed, by result.", []string{"result"}},
		{MetricCRLSkippedEmpty, "Empty long-lived CRLs skipped.", nil},
		{MetricCRLAlerts, "CRL alerts raised, by kind.", []string{"kind"}},
		{MetricTSLChecks, "Completed TSL checks.", nil},
		{MetricTSLFetch, "TSL downloads, by result.", []string{"result"}},
		{MetricTSLDiffEntries, "TSL diff entries recorded.", nil},
		{MetricStoreFallback, "Store calls served by the fallback store, by operation.", []string{"op"}},
		{MetricNotifyMessages, "Notification messages, by result.", []string{"result"}},
	}
	for _, c := range counters {
		if err := m.RegisterCounter(c.name, c.help, c.labels...); err != nil {
			return err
		}
	}

	gauges := []struct {
		name, help string
		labels     []string
	}{
		{MetricCRLUniqueURLs, "Distinct CRL URLs monitored in the last pass.", nil},
		{MetricTSLActiveCAs, "Active CAs in the last parsed TSL.", nil},
		{MetricTSLCRLURLs, "Distinct CRL URLs in the last parsed TSL.", nil},
		{MetricLastPassUnixTime, "Unix time the last pass finished, by loop.", []string{"loop"}},
	}
	for _, g := range gauges {
		if err := m.RegisterGauge(g.name, g.help, g.labels...); err != nil {
			return err
		}
	}

	return m.RegisterHistogram(MetricPassDuration, "Duration of one monitoring pass, by loop.",
		[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}, "loop")
}

func (m *MetricsCollector) RegisterCounter(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; ok {
		return nil
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.counters[name] = are.ExistingCollector.(*prometheus.CounterVec)
			return nil
		}
		return err
	}
	m.counters[name] = cv
	return nil
}

func (m *MetricsCollector) RegisterGauge(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return nil
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(gv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.gauges[name] = are.ExistingCollector.(*prometheus.GaugeVec)
			return nil
		}
		return err
	}
	m.gauges[name] = gv
	return nil
}

func (m *MetricsCollector) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; ok {
		return nil
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	if err := m.registry.Register(hv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.histograms[name] = are.ExistingCollector.(*prometheus.HistogramVec)
			return nil
		}
		return err
	}
	m.histograms[name] = hv
	return nil
}

func (m *MetricsCollector) IncCounter(name string, delta float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	cv := m.counters[name]
	m.mu.RUnlock()
	if cv != nil {
		cv.With(labels).Add(delta)
	}
}

// Inc adds one to a counter; labels are given as name/value pairs.
func (m *MetricsCollector) Inc(name string, labelPairs ...string) {
	m.IncCounter(name, 1, pairs(labelPairs))
}

func (m *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	gv := m.gauges[name]
	m.mu.RUnlock()
	if gv != nil {
		gv.With(labels).Set(value)
	}
}

func (m *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hv := m.histograms[name]
	m.mu.RUnlock()
	if hv != nil {
		hv.With(labels).Observe(value)
	}
}

// ObservePass records the duration and completion time of a monitoring pass.
func (m *MetricsCollector) ObservePass(loop string, started time.Time) {
	labels := prometheus.Labels{"loop": loop}
	m.ObserveHistogram(MetricPassDuration, time.Since(started).Seconds(), labels)
	m.SetGauge(MetricLastPassUnixTime, float64(time.Now().Unix()), labels)
}

func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) GetRegistry() *prometheus.Registry {
	return m.registry
}

func pairs(kv []string) prometheus.Labels {
	if len(kv) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		labels[kv[i]] = kv[i+1]
	}
	return labels
}
