// Package observe is the pipeline's injected observability sink: OpenTelemetry
// metric instruments for per-stage latencies and fault counters, plus a
// Prometheus exporter bridge so everything is scrapeable at /metrics. The
// pipeline receives a *Metrics by injection; core packages hold no global
// telemetry state. Tests should build their Metrics from an SDK provider with
// a ManualReader.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all gridcam metrics.
const meterName = "gridcam"

// Metrics holds the metric instruments for the capture-to-inference
// pipeline. The underlying OTel types are safe for concurrent use.
type Metrics struct {
	// CycleDuration tracks the full capture-to-emission cycle latency.
	CycleDuration metric.Float64Histogram

	// GatherDuration tracks batch assembly latency (the slowest slot wins).
	GatherDuration metric.Float64Histogram

	// PreprocessDuration tracks letterbox + tensor build latency per batch.
	PreprocessDuration metric.Float64Histogram

	// InferenceDuration tracks the engine forward pass.
	InferenceDuration metric.Float64Histogram

	// PostprocessDuration tracks decode + NMS latency per batch.
	PostprocessDuration metric.Float64Histogram

	// AnnotateDuration tracks drawing latency per batch.
	AnnotateDuration metric.Float64Histogram

	// CaptureFaults counts per-camera faults. Use with attributes:
	//   attribute.Int("slot", ...), attribute.String("kind", ...)
	CaptureFaults metric.Int64Counter

	// DroppedFrames counts frames discarded by worker backpressure. Use with
	// attribute.Int("slot", ...).
	DroppedFrames metric.Int64Counter

	// CyclesAbandoned counts cycles abandoned because the engine failed.
	CyclesAbandoned metric.Int64Counter

	// Reconfigurations counts applied camera-change requests.
	Reconfigurations metric.Int64Counter
}

// latencyBuckets are histogram boundaries (seconds) sized for per-cycle
// video-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates all instruments from the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.CycleDuration, "gridcam.cycle.duration", "Full capture-to-emission cycle latency."},
		{&met.GatherDuration, "gridcam.gather.duration", "Batch assembly latency across all camera slots."},
		{&met.PreprocessDuration, "gridcam.preprocess.duration", "Letterbox resize and tensor build latency."},
		{&met.InferenceDuration, "gridcam.inference.duration", "Engine forward pass latency."},
		{&met.PostprocessDuration, "gridcam.postprocess.duration", "Decode and non-max suppression latency."},
		{&met.AnnotateDuration, "gridcam.annotate.duration", "Frame annotation latency."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.CaptureFaults, err = m.Int64Counter("gridcam.capture.faults",
		metric.WithDescription("Capture faults by slot and kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("gridcam.capture.dropped_frames",
		metric.WithDescription("Frames discarded by worker backpressure, by slot."),
	); err != nil {
		return nil, err
	}
	if met.CyclesAbandoned, err = m.Int64Counter("gridcam.cycles.abandoned",
		metric.WithDescription("Cycles abandoned after an inference failure."),
	); err != nil {
		return nil, err
	}
	if met.Reconfigurations, err = m.Int64Counter("gridcam.camera.reconfigurations",
		metric.WithDescription("Applied camera device changes."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
