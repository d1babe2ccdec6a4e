package metrics

import (
	"context"
	"testing"
	"time"

	"tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/logger"
	"tradeflow/models"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"instrument": "005930", "unit": "count"}
	log := logger.Logger()

	EmitMetric(log, "executor", "orders_in_flight", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "executor" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "orders_in_flight" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "engine", "intents_emitted", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDropMetricCarriesStreamFields(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitDropMetric(nil, DropMetricStaleEpoch, "005930", "feed")

	select {
	case event := <-events:
		if event.Component != "channel_drops" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != string(DropMetricStaleEpoch) {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Fields["instrument"] != "005930" {
			t.Fatalf("expected instrument field, got %v", event.Fields)
		}
		if event.Fields["stage"] != "feed" {
			t.Fatalf("expected stage field, got %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("drop metric handler not invoked")
	}
}

func TestEmitDropMetricDisabledFeature(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{ChannelSize: false, Drops: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true, Drops: true}) })

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitDropMetric(nil, DropMetricEventBus, "005930", "bus")

	select {
	case <-events:
		t.Fatal("expected no drop metrics when the feature is disabled")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStartChannelSizeMetricsEmitsGauges(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 64)
	id := RegisterMetricHandler(func(m Metric) {
		select {
		case events <- m:
		default:
		}
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	ch := channel.NewChannels(4, 4, 4, 50*time.Millisecond)
	ch.Events <- models.MarketEvent{InstrumentID: "005930", SequenceNumber: 1}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	StartChannelSizeMetrics(ctx, ch, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Name != "event_bus_length" {
				continue
			}
			if event.Component != "channel_buffers" {
				t.Fatalf("unexpected component: %s", event.Component)
			}
			if got, ok := event.Value.(int); !ok || got != 1 {
				t.Fatalf("expected event bus length 1, got %v", event.Value)
			}
			if event.Fields["capacity"] != 4 {
				t.Fatalf("expected capacity field 4, got %v", event.Fields)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for channel size gauge")
		}
	}
}

func TestStartChannelSizeMetricsDisabledFeature(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{ChannelSize: false, Drops: true})
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true, Drops: true}) })

	events := make(chan Metric, 8)
	id := RegisterMetricHandler(func(m Metric) {
		select {
		case events <- m:
		default:
		}
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	StartChannelSizeMetrics(ctx, channel.NewChannels(4, 4, 4, 50*time.Millisecond), 5*time.Millisecond)

	select {
	case event := <-events:
		t.Fatalf("expected no gauges when the feature is disabled, got %s", event.Name)
	case <-time.After(30 * time.Millisecond):
	}
}
