package strategy

import (
	"fmt"

	"tradeflow/models"
)

// State is the per-instrument memory a strategy carries between
// evaluations. The engine owns storage, the strategy owns the
// transition: Evaluate receives the current state and returns the next.
type State struct {
	LastPrice  float64 `json:"last_price"`
	EntryPrice float64 `json:"entry_price"`
	Holding    int64   `json:"holding"`
}

// Strategy turns one market event into zero or more order intents.
// Implementations must be pure: no I/O, no clocks, no shared state.
type Strategy interface {
	Name() string
	Evaluate(ev models.MarketEvent, st State) ([]models.OrderIntent, State, error)
}

// Factory builds a strategy from its config params.
type Factory func(params map[string]float64) (Strategy, error)

var registry = map[string]Factory{}

// Register adds a strategy factory. Called from init, not safe for
// concurrent use.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New builds the named strategy. Unknown names abort startup.
func New(name string, params map[string]float64) (Strategy, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, models.FatalStartup(fmt.Errorf("unknown strategy %q", name))
	}
	return factory(params)
}
