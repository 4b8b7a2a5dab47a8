// Package metrics exports core.MetricsRecorder samples as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-alignment/core"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBuckets are in milliseconds, matching the observer's duration
// histograms.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

type Option func(*PrometheusRecorder)

func WithBuckets(buckets []float64) Option {
	return func(r *PrometheusRecorder) {
		if len(buckets) > 0 {
			r.buckets = slices.Clone(buckets)
		}
	}
}

// PrometheusRecorder creates one vector per metric name on first use. The
// label set is fixed by the first sample; later samples have missing labels
// filled with "" and unknown labels dropped.
type PrometheusRecorder struct {
	registerer prometheus.Registerer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*counterSeries
	histograms map[string]*histogramSeries
	dropped    int
}

type counterSeries struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramSeries struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// NewPrometheusRecorder registers on registerer, or the default registerer
// when nil.
func NewPrometheusRecorder(registerer prometheus.Registerer, opts ...Option) *PrometheusRecorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		registerer: registerer,
		buckets:    DefaultBuckets,
		counters:   map[string]*counterSeries{},
		histograms: map[string]*histogramSeries{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *PrometheusRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if value < 0 {
		return
	}
	series := r.counter(counterName(name), tags)
	if series == nil {
		return
	}
	series.vec.WithLabelValues(labelValues(series.labels, tags)...).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	series := r.histogram(SanitizeName(name), tags)
	if series == nil {
		return
	}
	series.vec.WithLabelValues(labelValues(series.labels, tags)...).Observe(value)
}

// Dropped counts samples whose vector could not be registered.
func (r *PrometheusRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *PrometheusRecorder) counter(name string, tags map[string]string) *counterSeries {
	r.mu.Lock()
	defer r.mu.Unlock()
	if series, ok := r.counters[name]; ok {
		return series
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpText(name)}, labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*prometheus.CounterVec](err)
		if !ok {
			r.dropped++
			return nil
		}
		vec = existing
	}
	series := &counterSeries{vec: vec, labels: labels}
	r.counters[name] = series
	return series
}

func (r *PrometheusRecorder) histogram(name string, tags map[string]string) *histogramSeries {
	r.mu.Lock()
	defer r.mu.Unlock()
	if series, ok := r.histograms[name]; ok {
		return series
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: helpText(name), Buckets: r.buckets}, labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*prometheus.HistogramVec](err)
		if !ok {
			r.dropped++
			return nil
		}
		vec = existing
	}
	series := &histogramSeries{vec: vec, labels: labels}
	r.histograms[name] = series
	return series
}

// alreadyRegistered reuses a collector another recorder registered under the
// same descriptor. The label set must match for this to succeed.
func alreadyRegistered[T prometheus.Collector](err error) (T, bool) {
	var zero T
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return zero, false
	}
	existing, ok := already.ExistingCollector.(T)
	return existing, ok
}

// counterName applies the Prometheus "_total" suffix once.
func counterName(name string) string {
	name = SanitizeName(name)
	if strings.HasSuffix(name, "_total") {
		return name
	}
	return name + "_total"
}

// SanitizeName maps a dotted metric name to a valid Prometheus name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "alignment_unnamed"
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_' || r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for key := range tags {
		name := SanitizeName(key)
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	values := make([]string, len(labels))
	if len(tags) == 0 {
		return values
	}
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[SanitizeName(key)] = value
	}
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return values
}

func helpText(name string) string {
	return "alignment metric " + name
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)
