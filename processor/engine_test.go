package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/models"
	"tradeflow/strategy"
)

func init() {
	strategy.Register("faulty", func(params map[string]float64) (strategy.Strategy, error) {
		return &faultyStrategy{}, nil
	})
}

// faultyStrategy fails on marker prices and stays quiet otherwise.
type faultyStrategy struct{}

func (s *faultyStrategy) Name() string { return "faulty" }

func (s *faultyStrategy) Evaluate(ev models.MarketEvent, st strategy.State) ([]models.OrderIntent, strategy.State, error) {
	switch ev.Price {
	case 666:
		panic("strategy blew up")
	case 665:
		return nil, st, errors.New("bad input")
	}
	st.LastPrice = ev.Price
	return nil, st, nil
}

type fakeIntentStore struct {
	mu      sync.Mutex
	intents []models.OrderIntent
	fail    bool
}

func (s *fakeIntentStore) RecordIntent(ctx context.Context, intent models.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.TransientIO(errors.New("journal unavailable"))
	}
	s.intents = append(s.intents, intent)
	return nil
}

func (s *fakeIntentStore) recorded() []models.OrderIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderIntent, len(s.intents))
	copy(out, s.intents)
	return out
}

func testEngineConfig(strategyName string, params map[string]float64) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Engine.MaxWorkers = 2
	cfg.Engine.Strategy = strategyName
	cfg.Engine.Params = params
	cfg.Engine.Window = appconfig.WindowConfig{Start: "09:01", End: "15:30", Overnight: true}
	return cfg
}

func testEngineChannels() *channel.Channels {
	return channel.NewChannels(32, 32, 32, 50*time.Millisecond)
}

func engineEvent(instrument string, seq int64, price float64) models.MarketEvent {
	return models.MarketEvent{
		InstrumentID:   instrument,
		Type:           models.EventTypeTrade,
		Price:          price,
		Quantity:       1,
		SequenceNumber: seq,
		Timestamp:      time.Now(),
		Epoch:          models.ConnectionEpoch{Seq: 1, ID: "epoch-1"},
		ReceivedTime:   time.Now(),
	}
}

func collectIntents(t *testing.T, ch *channel.Channels, n int) []models.OrderIntent {
	t.Helper()
	var out []models.OrderIntent
	for len(out) < n {
		select {
		case intent := <-ch.Intents:
			out = append(out, intent)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for intents, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestEngineEmitsSingleIntentOnPriceDrop(t *testing.T) {
	cfg := testEngineConfig("pricedrop", map[string]float64{"drop_threshold": 2})
	ch := testEngineChannels()
	store := &fakeIntentStore{}
	engine := NewEngine(cfg, ch, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.Events <- engineEvent("X", 1, 100)
	ch.Events <- engineEvent("X", 2, 101)
	ch.Events <- engineEvent("X", 3, 99)
	ch.CloseEvents()
	engine.Stop()

	intents := collectIntents(t, ch, 1)
	select {
	case extra := <-ch.Intents:
		t.Fatalf("expected exactly one intent, also got %+v", extra)
	default:
	}

	want := models.IntentKey("X", models.SideSell, 1, 3)
	if intents[0].IdempotencyKey != want {
		t.Errorf("intent key should derive from the triggering event, got %s want %s", intents[0].IdempotencyKey, want)
	}
	if intents[0].Side != models.SideSell {
		t.Errorf("expected sell intent, got %s", intents[0].Side)
	}

	recorded := store.recorded()
	if len(recorded) != 1 || recorded[0].IdempotencyKey != want {
		t.Errorf("intent must be journaled before handoff: %+v", recorded)
	}
}

func TestEnginePreservesInstrumentOrder(t *testing.T) {
	cfg := testEngineConfig("pricedrop", map[string]float64{"drop_threshold": 0.5})
	ch := testEngineChannels()
	engine := NewEngine(cfg, ch, &fakeIntentStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prices := []float64{100, 99, 98, 97}
	for i, price := range prices {
		ch.Events <- engineEvent("X", int64(i+1), price)
	}
	ch.CloseEvents()
	engine.Stop()

	intents := collectIntents(t, ch, 3)
	for i, intent := range intents {
		want := models.IntentKey("X", models.SideSell, 1, int64(i+2))
		if intent.IdempotencyKey != want {
			t.Errorf("intent %d out of order: got %s want %s", i, intent.IdempotencyKey, want)
		}
	}
}

func TestEngineSurvivesStrategyFailures(t *testing.T) {
	cfg := testEngineConfig("faulty", nil)
	ch := testEngineChannels()
	engine := NewEngine(cfg, ch, &fakeIntentStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.Events <- engineEvent("X", 1, 666) // panic
	ch.Events <- engineEvent("X", 2, 665) // error
	ch.Events <- engineEvent("X", 3, 100) // fine
	ch.CloseEvents()
	engine.Stop()

	if got := engine.strategyErrors; got != 2 {
		t.Errorf("expected 2 strategy errors, got %d", got)
	}
	if got := engine.eventsEvaluated; got != 3 {
		t.Errorf("expected 3 evaluations, got %d", got)
	}
	select {
	case intent := <-ch.Intents:
		t.Fatalf("faulty strategy should not emit intents: %+v", intent)
	default:
	}
}

func TestEngineSkipsOutsideTradingWindow(t *testing.T) {
	cfg := testEngineConfig("pricedrop", map[string]float64{"drop_threshold": 0.5})
	cfg.Engine.Window = appconfig.WindowConfig{Start: "09:01", End: "15:30", Overnight: false}
	ch := testEngineChannels()
	engine := NewEngine(cfg, ch, &fakeIntentStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Saturday, well inside the clock bounds.
	saturday := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	ev := engineEvent("X", 1, 100)
	ev.Timestamp = saturday
	ch.Events <- ev
	ch.CloseEvents()
	engine.Stop()

	if engine.windowSkipped != 1 {
		t.Errorf("expected 1 window skip, got %d", engine.windowSkipped)
	}
	if engine.eventsEvaluated != 0 {
		t.Errorf("expected no evaluations outside window, got %d", engine.eventsEvaluated)
	}
}

func TestEngineSeedsPositionsForExitStrategy(t *testing.T) {
	cfg := testEngineConfig("bands", map[string]float64{"profit_band": 3, "stop_band": 5})
	ch := testEngineChannels()
	store := &fakeIntentStore{}
	engine := NewEngine(cfg, ch, store)
	engine.SeedPositions([]models.Position{{InstrumentID: "005930", Quantity: 10, EntryPrice: 100}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.Events <- engineEvent("005930", 1, 103.5)
	ch.CloseEvents()
	engine.Stop()

	intents := collectIntents(t, ch, 1)
	if intents[0].Quantity != 10 {
		t.Errorf("exit should sell the seeded holding, got %d", intents[0].Quantity)
	}
	if intents[0].InstrumentID != "005930" || intents[0].Side != models.SideSell {
		t.Errorf("unexpected intent: %+v", intents[0])
	}
}

func TestEngineUnknownStrategyAbortsStartup(t *testing.T) {
	cfg := testEngineConfig("martingale", nil)
	engine := NewEngine(cfg, testEngineChannels(), &fakeIntentStore{})

	err := engine.Start(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}
	if !errors.Is(err, models.ErrFatalStartup) {
		t.Errorf("unknown strategy must be fatal, got %v", err)
	}
}

func TestEngineJournalFailureBlocksHandoff(t *testing.T) {
	cfg := testEngineConfig("pricedrop", map[string]float64{"drop_threshold": 0.5})
	ch := testEngineChannels()
	store := &fakeIntentStore{fail: true}
	engine := NewEngine(cfg, ch, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.Events <- engineEvent("X", 1, 100)
	ch.Events <- engineEvent("X", 2, 99)
	ch.CloseEvents()
	engine.Stop()

	select {
	case intent := <-ch.Intents:
		t.Fatalf("unjournaled intent must not reach the executor: %+v", intent)
	default:
	}
	if engine.journalErrors != 1 {
		t.Errorf("expected 1 journal error, got %d", engine.journalErrors)
	}
}
