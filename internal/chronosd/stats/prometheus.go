package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink is the production Sink, registered once per process via
// sync.Once the same way the teacher's pkg/metrics registry lazily
// constructs each metric category on first use.
type PrometheusSink struct {
	tagCounters *prometheus.GaugeVec
	totalGauge  prometheus.Gauge
}

var (
	defaultSink     *PrometheusSink
	defaultSinkOnce sync.Once
)

// DefaultSink returns the process-wide PrometheusSink, registering its
// metrics with the default registry on first call.
func DefaultSink() *PrometheusSink {
	defaultSinkOnce.Do(func() {
		defaultSink = NewPrometheusSink("chronos", prometheus.DefaultRegisterer)
	})
	return defaultSink
}

// NewPrometheusSink constructs a PrometheusSink under namespace, registered
// against reg.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		// A timer's tag count falls whenever it is tombstoned, fails its
		// callback, or is re-added with fewer/smaller tags, so this must
		// be a gauge: a CounterVec panics on Add(-x).
		tagCounters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timers",
			Name:      "by_tag_total",
			Help:      "Count of live timers by statistics tag.",
		}, []string{"tag"}),
		totalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timers",
			Name:      "total",
			Help:      "Total number of live timers stored on this node.",
		}),
	}
	reg.MustRegister(s.tagCounters, s.totalGauge)
	return s
}

func (s *PrometheusSink) Increment(tag string, by uint32) {
	s.tagCounters.WithLabelValues(tag).Add(float64(by))
}

func (s *PrometheusSink) Decrement(tag string, by uint32) {
	s.tagCounters.WithLabelValues(tag).Add(-float64(by))
}

func (s *PrometheusSink) Set(count int64) {
	s.totalGauge.Set(float64(count))
}
