package metrics

import (
	"context"
	"time"

	"tradeflow/internal/channel"
	"tradeflow/logger"
)

// StartChannelSizeMetrics emits occupancy gauges for the event, intent and
// archive buses. Metrics are emitted every `interval` until the context is
// cancelled. When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, component, "event_bus_length", len(channels.Events), "gauge", logger.Fields{
					"buffer":   "events",
					"capacity": cap(channels.Events),
				})
				EmitMetric(log, component, "intent_bus_length", len(channels.Intents), "gauge", logger.Fields{
					"buffer":   "intents",
					"capacity": cap(channels.Intents),
				})
				EmitMetric(log, component, "archive_bus_length", len(channels.Archive), "gauge", logger.Fields{
					"buffer":   "archive",
					"capacity": cap(channels.Archive),
				})
			}
		}
	}()
}
