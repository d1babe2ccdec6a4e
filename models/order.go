package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OutcomeStatus is the terminal (or not yet resolved) state of a submission.
type OutcomeStatus string

const (
	StatusAccepted OutcomeStatus = "accepted"
	StatusRejected OutcomeStatus = "rejected"
	StatusFailed   OutcomeStatus = "failed"
	StatusUnknown  OutcomeStatus = "unknown"
)

// OrderIntent is a decision produced by a strategy. IdempotencyKey is
// deterministic for the market event that caused it, so replaying the same
// event can never produce a second broker submission.
type OrderIntent struct {
	IdempotencyKey string    `json:"idempotency_key"`
	InstrumentID   string    `json:"instrument_id"`
	Side           Side      `json:"side"`
	Quantity       int64     `json:"quantity"`
	Price          float64   `json:"price"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrderOutcome records the result of executing an intent. Attempts counts
// wire attempts made so far, including ones lost to a crash.
type OrderOutcome struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Status         OutcomeStatus `json:"status"`
	BrokerOrderID  string        `json:"broker_order_id,omitempty"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// UnresolvedIntent is a journaled intent with no terminal outcome, paired
// with the wire attempts already made before a restart.
type UnresolvedIntent struct {
	Intent   OrderIntent `json:"intent"`
	Attempts int         `json:"attempts"`
}

// Terminal reports whether the outcome status needs no further work.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// IntentKey derives the idempotency key for an intent triggered by the
// event with the given epoch and sequence. The same event always maps to
// the same key; events replayed on a new connection epoch map to a new one.
func IntentKey(instrumentID string, side Side, epoch, seq int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d", instrumentID, side, epoch, seq)))
	return hex.EncodeToString(sum[:])
}
