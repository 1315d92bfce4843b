package stream

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name for all pipeline metrics.
const meterName = "github.com/cwbudde/algo-voiceeq"

// Metrics holds the OpenTelemetry instruments recorded by the engine.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// FrameDuration tracks the wall-clock cost of one full frame pass
	// (read, filter, write, taps) in seconds.
	FrameDuration metric.Float64Histogram

	// FramesProcessed counts frames that completed the full pass.
	FramesProcessed metric.Int64Counter

	// Glitches counts tolerated underrun/overrun events. Use with
	// attribute.String("kind", "underrun"|"overrun").
	Glitches metric.Int64Counter

	// DeadlineMisses counts frames whose pass exceeded the real-time
	// budget of frameSize/sampleRate seconds.
	DeadlineMisses metric.Int64Counter

	// ParameterUpdates counts equalizer updates applied between frames.
	ParameterUpdates metric.Int64Counter

	// ActiveSessions tracks the number of running stream sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// frameBuckets are histogram boundaries (seconds) sized for per-frame
// budgets in the hundreds of microseconds to tens of milliseconds.
var frameBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates the instrument set on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDuration, err = m.Float64Histogram("voiceeq.frame.duration",
		metric.WithDescription("Wall-clock time of one frame pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("voiceeq.frames.processed",
		metric.WithDescription("Total frames read, filtered, and written."),
	); err != nil {
		return nil, err
	}
	if met.Glitches, err = m.Int64Counter("voiceeq.glitches",
		metric.WithDescription("Tolerated underrun/overrun events by kind."),
	); err != nil {
		return nil, err
	}
	if met.DeadlineMisses, err = m.Int64Counter("voiceeq.deadline.misses",
		metric.WithDescription("Frames exceeding the real-time budget."),
	); err != nil {
		return nil, err
	}
	if met.ParameterUpdates, err = m.Int64Counter("voiceeq.parameter.updates",
		metric.WithDescription("Equalizer parameter updates applied between frames."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceeq.active_sessions",
		metric.WithDescription("Number of running stream sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// nopMetrics returns instruments backed by the no-op provider, used
// when the caller does not supply metrics.
func nopMetrics() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("stream: no-op metrics: " + err.Error())
	}
	return met
}

func (m *Metrics) recordGlitch(ctx context.Context, kind string) {
	m.Glitches.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
