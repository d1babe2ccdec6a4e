package strategy

import (
	"errors"
	"testing"

	"tradeflow/models"
)

func trade(instrument string, seq int64, price float64) models.MarketEvent {
	return models.MarketEvent{
		InstrumentID:   instrument,
		Type:           models.EventTypeTrade,
		Price:          price,
		SequenceNumber: seq,
	}
}

func TestNewUnknownStrategy(t *testing.T) {
	_, err := New("martingale", nil)
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if !errors.Is(err, models.ErrFatalStartup) {
		t.Errorf("unknown strategy must abort startup, got %v", err)
	}
}

func TestPriceDropEmitsOnThresholdBreach(t *testing.T) {
	s, err := New("pricedrop", map[string]float64{"drop_threshold": 2.0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	st := State{}
	var intents []models.OrderIntent

	for _, ev := range []models.MarketEvent{
		trade("X", 1, 100),
		trade("X", 2, 101),
		trade("X", 3, 99),
	} {
		var out []models.OrderIntent
		out, st, err = s.Evaluate(ev, st)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		intents = append(intents, out...)
	}

	if len(intents) != 1 {
		t.Fatalf("expected exactly one intent, got %d", len(intents))
	}
	if intents[0].InstrumentID != "X" || intents[0].Side != models.SideSell {
		t.Errorf("unexpected intent: %+v", intents[0])
	}
	if st.LastPrice != 99 {
		t.Errorf("state should track last trade price, got %f", st.LastPrice)
	}
}

func TestPriceDropFirstTradeSetsReference(t *testing.T) {
	s, _ := New("pricedrop", nil)

	intents, st, err := s.Evaluate(trade("X", 1, 100), State{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(intents) != 0 {
		t.Error("first trade must not trigger an intent")
	}
	if st.LastPrice != 100 {
		t.Errorf("expected reference price 100, got %f", st.LastPrice)
	}
}

func TestPriceDropIgnoresQuotes(t *testing.T) {
	s, _ := New("pricedrop", map[string]float64{"drop_threshold": 2.0})

	st := State{LastPrice: 100}
	quote := models.MarketEvent{InstrumentID: "X", Type: models.EventTypeQuote, Price: 90}
	intents, st2, err := s.Evaluate(quote, st)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(intents) != 0 {
		t.Error("quotes must not trigger intents")
	}
	if st2.LastPrice != 100 {
		t.Error("quotes must not move the reference price")
	}
}

func TestBandsProfitExit(t *testing.T) {
	s, _ := New("bands", map[string]float64{"profit_band": 3, "stop_band": 5})

	st := State{EntryPrice: 100, Holding: 10}
	intents, st, err := s.Evaluate(trade("X", 1, 103), st)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected profit exit, got %d intents", len(intents))
	}
	if intents[0].Quantity != 10 || intents[0].Side != models.SideSell {
		t.Errorf("exit should sell the whole position: %+v", intents[0])
	}
	if st.Holding != 0 {
		t.Error("position should be cleared after exit")
	}

	// Further ticks past the band produce nothing.
	intents, _, _ = s.Evaluate(trade("X", 2, 110), st)
	if len(intents) != 0 {
		t.Error("closed position must not emit again")
	}
}

func TestBandsStopExit(t *testing.T) {
	s, _ := New("bands", map[string]float64{"profit_band": 3, "stop_band": 5})

	st := State{EntryPrice: 100, Holding: 4}
	intents, _, err := s.Evaluate(trade("X", 1, 94.9), st)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected stop exit, got %d intents", len(intents))
	}
}

func TestBandsHoldsInsideBands(t *testing.T) {
	s, _ := New("bands", nil)

	st := State{EntryPrice: 100, Holding: 4}
	for _, price := range []float64{101, 99, 102.9, 95.1} {
		intents, next, err := s.Evaluate(trade("X", 1, price), st)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(intents) != 0 {
			t.Errorf("price %f inside bands should not exit", price)
		}
		st = next
	}
}

func TestBandsWithoutPosition(t *testing.T) {
	s, _ := New("bands", nil)

	intents, _, err := s.Evaluate(trade("X", 1, 50), State{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(intents) != 0 {
		t.Error("no position means no exit intents")
	}
}
