package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	ctx := context.Background()

	obs, err := Setup(ctx, Config{ServiceName: "test-registry", Environment: "development"})
	require.NoError(t, err)
	defer obs.Shutdown(ctx)

	require.NotNil(t, obs.Logger)
	require.NotNil(t, obs.TracerProvider)
	require.NotNil(t, obs.Metrics)

	obs.Metrics.LinkCreated(ctx)
	obs.Metrics.ClickRecorded(ctx)
	obs.Metrics.ClickRecorded(ctx)
	obs.Metrics.Dropped(ctx)

	families, err := obs.Registry.Gather()
	require.NoError(t, err)

	found := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				found[f.GetName()] += m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, float64(1), valueWithPrefix(found, "links_created"))
	assert.Equal(t, float64(2), valueWithPrefix(found, "link_clicks"))
	assert.Equal(t, float64(1), valueWithPrefix(found, "eventlog_dropped"))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.LinkCreated(ctx)
		m.ClickRecorded(ctx)
		m.ExpiredLookup(ctx)
		m.Dropped(ctx)
	})
}

func valueWithPrefix(values map[string]float64, prefix string) float64 {
	for name, v := range values {
		if strings.HasPrefix(name, prefix) {
			return v
		}
	}
	return -1
}

func TestNewLogger(t *testing.T) {
	t.Run("production logs JSON at info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, "production", nil)

		logger.Debug("hidden")
		logger.Info("link created", slog.String("code", "abc123"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "link created", entry["msg"])
		assert.Equal(t, "abc123", entry["code"])
		assert.Contains(t, entry, "source")
	})

	t.Run("development logs text with explicit level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, "development", slog.LevelWarn)

		logger.Info("hidden")
		logger.Warn("expired link accessed")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "msg=\"expired link accessed\"")
	})
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		desc := newSampler(tt.ratio).Description()
		assert.True(t, strings.HasPrefix(desc, "ParentBased{root:"+tt.want), "ratio %v: %s", tt.ratio, desc)
	}
}
