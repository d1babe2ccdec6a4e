package metrics

import (
	"sync/atomic"

	"tradeflow/config"
)

// Feature identifies an optional metric stream that can be toggled from the
// metrics section of the configuration.
type Feature string

const (
	// FeatureChannelSize controls the periodic bus occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
	// FeatureDrops controls the per-message drop counters.
	FeatureDrops Feature = "drops"
)

type featureSet struct {
	channelSize bool
	drops       bool
}

var features atomic.Pointer[featureSet]

func init() {
	features.Store(&featureSet{channelSize: true, drops: true})
}

// Configure applies the metrics configuration. Every feature is enabled until
// Configure is called.
func Configure(cfg config.MetricsConfig) {
	features.Store(&featureSet{
		channelSize: cfg.ChannelSize,
		drops:       cfg.Drops,
	})
}

// IsFeatureEnabled reports whether the given metric stream is enabled.
func IsFeatureEnabled(f Feature) bool {
	set := features.Load()
	if set == nil {
		return true
	}

	switch f {
	case FeatureChannelSize:
		return set.channelSize
	case FeatureDrops:
		return set.drops
	default:
		return true
	}
}
