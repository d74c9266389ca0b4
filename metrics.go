package posk

import "github.com/armon/go-metrics"

// Telemetry wraps *metrics.Metrics so every call site in this kernel can be
// written unconditionally: a nil *Telemetry (or one built with
// NewNullTelemetry) simply discards every call rather than requiring a nil
// check at each site.
type Telemetry struct {
	sink *metrics.Metrics
}

// NewTelemetry wraps an existing go-metrics sink, as produced by
// metrics.NewGlobal or metrics.New in the hosting application.
func NewTelemetry(sink *metrics.Metrics) *Telemetry {
	return &Telemetry{sink: sink}
}

// NewNullTelemetry returns a Telemetry that discards every measurement,
// for tests and for callers that have not configured a sink.
func NewNullTelemetry() *Telemetry { return &Telemetry{} }

func (t *Telemetry) SetGauge(key []string, val float32) {
	if t == nil || t.sink == nil {
		return
	}
	t.sink.SetGauge(key, val)
}

func (t *Telemetry) IncrCounter(key []string, val float32) {
	if t == nil || t.sink == nil {
		return
	}
	t.sink.IncrCounter(key, val)
}

var (
	metricRoundTime       = []string{"posk", "scheduler", "round_time_us"}
	metricRoundError      = []string{"posk", "scheduler", "round_error_us"}
	metricBurstCorrection = []string{"posk", "scheduler", "burst_correction_us"}
	metricDispatch        = []string{"posk", "scheduler", "dispatch"}
)
