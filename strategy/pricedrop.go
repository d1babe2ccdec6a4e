package strategy

import "tradeflow/models"

func init() {
	Register("pricedrop", newPriceDrop)
}

// priceDrop sells when the trade price falls by at least the configured
// threshold against the previous trade of the same instrument.
type priceDrop struct {
	threshold float64
	quantity  int64
}

func newPriceDrop(params map[string]float64) (Strategy, error) {
	threshold := params["drop_threshold"]
	if threshold <= 0 {
		threshold = 2.0
	}
	quantity := int64(params["order_quantity"])
	if quantity <= 0 {
		quantity = 1
	}
	return &priceDrop{threshold: threshold, quantity: quantity}, nil
}

func (s *priceDrop) Name() string { return "pricedrop" }

func (s *priceDrop) Evaluate(ev models.MarketEvent, st State) ([]models.OrderIntent, State, error) {
	if ev.Type != models.EventTypeTrade {
		return nil, st, nil
	}

	prev := st.LastPrice
	st.LastPrice = ev.Price

	if prev == 0 || prev-ev.Price < s.threshold {
		return nil, st, nil
	}

	intent := models.OrderIntent{
		InstrumentID: ev.InstrumentID,
		Side:         models.SideSell,
		Quantity:     s.quantity,
	}
	return []models.OrderIntent{intent}, st, nil
}
