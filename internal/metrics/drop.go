package metrics

import "tradeflow/logger"

// DropMetric identifies the metric name emitted when a pipeline message is
// discarded.
type DropMetric string

const (
	// DropMetricStaleEpoch records events discarded because they were read on
	// a connection that has since been replaced.
	DropMetricStaleEpoch DropMetric = "stale_epoch_events_dropped"
	// DropMetricOutOfOrder records events discarded for arriving at or behind
	// the last seen sequence number of their instrument.
	DropMetricOutOfOrder DropMetric = "out_of_order_events_dropped"
	// DropMetricEventBus records the oldest event being evicted because the
	// event bus is full.
	DropMetricEventBus DropMetric = "event_bus_events_dropped"
	// DropMetricArchive records archive copies discarded because the archive
	// buffer is full.
	DropMetricArchive DropMetric = "archive_events_dropped"
)

// EmitDropMetric logs and emits a metric representing one discarded message.
// The metric value is always incremented by one so callers should invoke this
// helper for each dropped message. Instrument and stage are attached when
// provided which enables downstream aggregation per stream.
func EmitDropMetric(log *logger.Log, metric DropMetric, instrument, stage string) {
	if !IsFeatureEnabled(FeatureDrops) {
		return
	}

	fields := logger.Fields{}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
