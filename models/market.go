package models

import "time"

// EventType identifies the kind of market event carried on the bus.
type EventType string

const (
	EventTypeTrade     EventType = "trade"
	EventTypeQuote     EventType = "quote"
	EventTypeHeartbeat EventType = "heartbeat"
)

// ConnectionEpoch identifies one established feed connection. Seq increases
// by one on every successful connect; ID is unique per epoch so archived
// events can be traced back to the connection that produced them.
type ConnectionEpoch struct {
	Seq int64  `json:"seq"`
	ID  string `json:"id"`
}

// MarketEvent is a normalized market data event for a single instrument.
// SequenceNumber is the venue sequence within the connection epoch that
// received the event; gaps indicate loss upstream. Quote events carry the
// best bid in Price and the best ask in AskPrice.
type MarketEvent struct {
	InstrumentID   string          `json:"instrument_id"`
	Type           EventType       `json:"type"`
	Price          float64         `json:"price"`
	AskPrice       float64         `json:"ask_price,omitempty"`
	Quantity       float64         `json:"quantity"`
	SequenceNumber int64           `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Epoch          ConnectionEpoch `json:"epoch"`
	ReceivedTime   time.Time       `json:"received_time"`
}
