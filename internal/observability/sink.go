package observability

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives pipeline timings and counters. Tags are flat
// key/value pairs. Implementations must never panic or block the caller.
type MetricsSink interface {
	RecordTimer(name string, elapsed time.Duration, tags ...string)
	IncrementCounter(name string, tags ...string)
}

type NopSink struct{}

func (NopSink) RecordTimer(string, time.Duration, ...string) {}
func (NopSink) IncrementCounter(string, ...string)          {}

// PrometheusSink maps each timer name to a sqlpilot_<name>_duration_ms
// histogram and each counter name to a sqlpilot_<name>_total counter.
// Collectors are created on first use with the tag keys as labels.
type PrometheusSink struct {
	registerer prometheus.Registerer
	logger     *slog.Logger

	mu         sync.Mutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
}

var durationBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

func NewPrometheusSink(registerer prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		registerer: registerer,
		logger:     LoggerOrDiscard(logger),
		histograms: map[string]*prometheus.HistogramVec{},
		counters:   map[string]*prometheus.CounterVec{},
	}
}

func (s *PrometheusSink) RecordTimer(name string, elapsed time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	vec, err := s.histogram(name, keys)
	if err != nil {
		s.logger.Warn("metrics timer dropped", slog.String("name", name), slog.Any("error", err))
		return
	}
	observer, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		s.logger.Warn("metrics timer dropped", slog.String("name", name), slog.Any("error", err))
		return
	}
	observer.Observe(float64(elapsed.Milliseconds()))
}

func (s *PrometheusSink) IncrementCounter(name string, tags ...string) {
	keys, values := splitTags(tags)
	vec, err := s.counter(name, keys)
	if err != nil {
		s.logger.Warn("metrics counter dropped", slog.String("name", name), slog.Any("error", err))
		return
	}
	counter, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		s.logger.Warn("metrics counter dropped", slog.String("name", name), slog.Any("error", err))
		return
	}
	counter.Inc()
}

func (s *PrometheusSink) histogram(name string, keys []string) (*prometheus.HistogramVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.histograms[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlpilot_" + metricName(name) + "_duration_ms",
		Help:    "Duration of " + name + " in milliseconds.",
		Buckets: durationBucketsMs,
	}, keys)
	if err := s.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	s.histograms[name] = vec
	return vec, nil
}

func (s *PrometheusSink) counter(name string, keys []string) (*prometheus.CounterVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.counters[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpilot_" + metricName(name) + "_total",
		Help: "Total number of " + name + " events.",
	}, keys)
	if err := s.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	s.counters[name] = vec
	return vec, nil
}

// splitTags sorts pairs by key so the label order is stable regardless of
// call-site order. A trailing key without a value is dropped.
func splitTags(tags []string) ([]string, []string) {
	type pair struct{ key, value string }
	pairs := make([]pair, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		pairs = append(pairs, pair{key: metricName(tags[i]), value: tags[i+1]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	keys := make([]string, len(pairs))
	values := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.key
		values[i] = p.value
	}
	return keys, values
}

func metricName(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, raw)
}
