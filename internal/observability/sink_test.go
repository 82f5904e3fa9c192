package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopSinkDiscardsEverything(t *testing.T) {
	var sink NoopSink

	assert.NotPanics(t, func() {
		sink.Counter("tests_total", 1, "status", "pass")
		sink.Histogram("ingest_latency_seconds", 0.1)
		sink.Gauge("active_tests", 3)
	})
}

func TestLogSinkEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	sink.Counter("tests_total", 1, "status", "pass")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "counter", decoded["metric_kind"])
	assert.Equal(t, "tests_total", decoded["metric_name"])
	assert.InEpsilon(t, 1.0, decoded["value"], 0.0001)
	assert.Equal(t, "pass", decoded["status"])
}
