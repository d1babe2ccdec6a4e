package models

import "time"

// Session is an authenticated broker session. Tokens are opaque strings
// with an absolute expiry supplied by the broker.
type Session struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the session token is usable at the given instant.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Remaining returns the unexpired portion of the session lifetime.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Lifetime returns the total issued lifetime of the session.
func (s Session) Lifetime() time.Duration {
	return s.ExpiresAt.Sub(s.IssuedAt)
}

// Session audit event kinds.
const (
	SessionIssued        = "issued"
	SessionRenewed       = "renewed"
	SessionRenewalFailed = "renewal_failed"
)

// SessionEvent is a journaled record of a token lifecycle transition.
// The token itself is never journaled.
type SessionEvent struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is an open holding reported by the broker, used to seed
// strategy state at startup.
type Position struct {
	InstrumentID string  `json:"instrument_id"`
	Quantity     int64   `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
}

// BalanceSnapshot is a point-in-time account cash reading.
type BalanceSnapshot struct {
	Cash      float64   `json:"cash"`
	Timestamp time.Time `json:"timestamp"`
}
