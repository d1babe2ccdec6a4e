package strategy

import "tradeflow/models"

func init() {
	Register("bands", newBands)
}

// bands exits an open position when its gain reaches the profit band or
// its loss reaches the stop band, both percentages against the entry
// price. Entry prices are seeded from broker holdings at startup.
type bands struct {
	profitPct float64
	stopPct   float64
}

func newBands(params map[string]float64) (Strategy, error) {
	profit := params["profit_band"]
	if profit <= 0 {
		profit = 3.0
	}
	stop := params["stop_band"]
	if stop <= 0 {
		stop = 5.0
	}
	return &bands{profitPct: profit, stopPct: stop}, nil
}

func (s *bands) Name() string { return "bands" }

func (s *bands) Evaluate(ev models.MarketEvent, st State) ([]models.OrderIntent, State, error) {
	if ev.Type != models.EventTypeTrade {
		return nil, st, nil
	}

	st.LastPrice = ev.Price

	if st.Holding <= 0 || st.EntryPrice <= 0 {
		return nil, st, nil
	}

	gainPct := (ev.Price - st.EntryPrice) / st.EntryPrice * 100
	if gainPct < s.profitPct && gainPct > -s.stopPct {
		return nil, st, nil
	}

	intent := models.OrderIntent{
		InstrumentID: ev.InstrumentID,
		Side:         models.SideSell,
		Quantity:     st.Holding,
	}

	// Position considered closed once the exit is emitted, so a stream
	// of ticks past the band produces a single intent.
	st.Holding = 0
	st.EntryPrice = 0

	return []models.OrderIntent{intent}, st, nil
}
