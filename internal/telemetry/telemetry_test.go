package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{})
	require.NoError(t, err)
	_, done := NewRecorder().Start(context.Background(), "noop")
	done(errors.New("ignored"))
	assert.NoError(t, shutdown(context.Background()))
}

func TestStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Settings{Enabled: true, Stdout: true, Writer: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = Init(context.Background(), Settings{}) })

	rec := NewRecorder()
	_, done := rec.Start(context.Background(), "forecast_project")
	done(nil)
	rec.Rejection(context.Background(), "cycle")
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "engine.forecast_project")
	assert.Contains(t, buf.String(), "forecastline.dependency.rejections")
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	ctx, done := rec.Start(context.Background(), "x")
	assert.NotNil(t, ctx)
	done(nil)
	rec.Rejection(ctx, "duplicate")
}

func TestDurationKeepsSubMillisecondPrecision(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { _, _ = Init(context.Background(), Settings{}) })

	_, done := NewRecorder().Start(context.Background(), "queue")
	done(nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var hist *metricdata.Histogram[float64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "forecastline.operation.duration" {
				h, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				hist = &h
			}
		}
	}
	require.NotNil(t, hist)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Greater(t, hist.DataPoints[0].Sum, 0.0)
}
