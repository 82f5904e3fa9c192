// Package observability defines the pluggable metrics sink the fact engine
// emits counters, histograms, and gauges to. The Prometheus exporter itself
// is out of core scope (spec §4.6); this package only defines the interface
// core code depends on and two trivial implementations.
package observability

import (
	"context"
	"log/slog"
)

// Sink is the pluggable metrics surface. Labels are passed as alternating
// key/value strings, mirroring the label-set style of most Go metrics
// clients without pulling in a concrete one at the core layer.
type Sink interface {
	Counter(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	Gauge(name string, value float64, labels ...string)
}

// NoopSink discards every observation. Used when no sink is configured.
type NoopSink struct{}

func (NoopSink) Counter(string, float64, ...string)   {}
func (NoopSink) Histogram(string, float64, ...string) {}
func (NoopSink) Gauge(string, float64, ...string)     {}

var _ Sink = NoopSink{}

// LogSink emits every observation as a structured slog record. It is the
// sink the service binary wires in: enough to drive dashboards built on log aggregation without
// committing the core to a specific metrics backend, matching the teacher
// repo's pervasive use of log/slog over a dedicated metrics client.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink writing through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Counter(name string, value float64, labels ...string) {
	s.emit(slog.LevelDebug, "counter", name, value, labels)
}

func (s *LogSink) Histogram(name string, value float64, labels ...string) {
	s.emit(slog.LevelDebug, "histogram", name, value, labels)
}

func (s *LogSink) Gauge(name string, value float64, labels ...string) {
	s.emit(slog.LevelDebug, "gauge", name, value, labels)
}

func (s *LogSink) emit(level slog.Level, kind, name string, value float64, labels []string) {
	attrs := make([]any, 0, len(labels)/2+3)
	attrs = append(attrs, slog.String("metric_kind", kind), slog.String("metric_name", name), slog.Float64("value", value))

	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, slog.String(labels[i], labels[i+1]))
	}

	s.logger.Log(context.Background(), level, "metric", attrs...)
}

var _ Sink = (*LogSink)(nil)
