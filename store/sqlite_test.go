package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/models"
)

func openTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	g, err := Open(appconfig.StoreConfig{Path: path, Synchronous: "NORMAL"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g, path
}

func storedIntent(key string) models.OrderIntent {
	return models.OrderIntent{
		IdempotencyKey: key,
		InstrumentID:   "005930",
		Side:           models.SideSell,
		Quantity:       3,
		Price:          71900,
		CreatedAt:      time.Now(),
	}
}

func TestGatewayUnresolvedIntentLifecycle(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	if err := g.RecordIntent(ctx, storedIntent("k1")); err != nil {
		t.Fatalf("RecordIntent k1: %v", err)
	}
	if err := g.RecordIntent(ctx, storedIntent("k2")); err != nil {
		t.Fatalf("RecordIntent k2: %v", err)
	}
	if err := g.RecordAttempt(ctx, "k1", 1); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	unresolved, err := g.LoadUnresolvedIntents(ctx)
	if err != nil {
		t.Fatalf("LoadUnresolvedIntents: %v", err)
	}
	if len(unresolved) != 2 {
		t.Fatalf("expected 2 unresolved intents, got %d", len(unresolved))
	}
	if unresolved[0].Intent.IdempotencyKey != "k1" || unresolved[1].Intent.IdempotencyKey != "k2" {
		t.Errorf("unresolved intents out of insert order: %+v", unresolved)
	}
	if unresolved[0].Attempts != 1 || unresolved[1].Attempts != 0 {
		t.Errorf("attempt counts wrong: %d, %d", unresolved[0].Attempts, unresolved[1].Attempts)
	}
	if unresolved[0].Intent.Side != models.SideSell || unresolved[0].Intent.Quantity != 3 {
		t.Errorf("intent fields lost in round trip: %+v", unresolved[0].Intent)
	}

	if err := g.RecordOutcome(ctx, models.OrderOutcome{
		IdempotencyKey: "k1",
		Status:         models.StatusAccepted,
		BrokerOrderID:  "ORD0001",
		Attempts:       2,
		UpdatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	unresolved, err = g.LoadUnresolvedIntents(ctx)
	if err != nil {
		t.Fatalf("LoadUnresolvedIntents after outcome: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Intent.IdempotencyKey != "k2" {
		t.Errorf("terminal intent must drop out of the unresolved set: %+v", unresolved)
	}

	keys, err := g.CompletedKeys(ctx)
	if err != nil {
		t.Fatalf("CompletedKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "k1" {
		t.Errorf("expected completed keys [k1], got %v", keys)
	}
}

func TestGatewayIntentInsertIsIdempotent(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.RecordIntent(ctx, storedIntent("k1")); err != nil {
			t.Fatalf("RecordIntent repeat %d: %v", i, err)
		}
	}
	unresolved, err := g.LoadUnresolvedIntents(ctx)
	if err != nil {
		t.Fatalf("LoadUnresolvedIntents: %v", err)
	}
	if len(unresolved) != 1 {
		t.Errorf("repeated key must journal once, got %d rows", len(unresolved))
	}
}

func TestGatewayAttemptCounterOnlyMovesForward(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	if err := g.RecordIntent(ctx, storedIntent("k1")); err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if err := g.RecordAttempt(ctx, "k1", 2); err != nil {
		t.Fatalf("RecordAttempt 2: %v", err)
	}
	if err := g.RecordAttempt(ctx, "k1", 1); err != nil {
		t.Fatalf("RecordAttempt 1: %v", err)
	}

	unresolved, err := g.LoadUnresolvedIntents(ctx)
	if err != nil {
		t.Fatalf("LoadUnresolvedIntents: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Attempts != 2 {
		t.Errorf("counter rolled back: %+v", unresolved)
	}
}

func TestGatewaySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	g, err := Open(appconfig.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := g.RecordIntent(ctx, storedIntent("k1")); err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if err := g.RecordAttempt(ctx, "k1", 1); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := g.RecordOutcome(ctx, models.OrderOutcome{
		IdempotencyKey: "k0",
		Status:         models.StatusRejected,
		Attempts:       1,
		LastError:      "validation rejected: return_code=8",
		UpdatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	g, err = Open(appconfig.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer g.Close()

	unresolved, err := g.LoadUnresolvedIntents(ctx)
	if err != nil {
		t.Fatalf("LoadUnresolvedIntents: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Intent.IdempotencyKey != "k1" || unresolved[0].Attempts != 1 {
		t.Errorf("journal lost across reopen: %+v", unresolved)
	}

	keys, err := g.CompletedKeys(ctx)
	if err != nil {
		t.Fatalf("CompletedKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "k0" {
		t.Errorf("expected completed keys [k0], got %v", keys)
	}
}

func TestGatewayRecordsEvents(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	ev := models.MarketEvent{
		InstrumentID:   "005930",
		Type:           models.EventTypeTrade,
		Price:          71900,
		Quantity:       3,
		SequenceNumber: 7,
		Timestamp:      time.Now(),
		Epoch:          models.ConnectionEpoch{Seq: 2, ID: "epoch-2"},
		ReceivedTime:   time.Now(),
	}
	if err := g.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	ev.SequenceNumber = 8
	if err := g.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	n, err := g.EventCount(ctx)
	if err != nil {
		t.Fatalf("EventCount: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 journaled events, got %d", n)
	}
}

func TestGatewaySessionEvents(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	events := []models.SessionEvent{
		{Kind: models.SessionIssued, ExpiresAt: time.Now().Add(24 * time.Hour), Timestamp: time.Now()},
		{Kind: models.SessionRenewalFailed, ExpiresAt: time.Now().Add(time.Hour), Detail: "broker unreachable", Timestamp: time.Now()},
	}
	for _, ev := range events {
		if err := g.RecordSessionEvent(ctx, ev); err != nil {
			t.Fatalf("RecordSessionEvent %s: %v", ev.Kind, err)
		}
	}

	var n int64
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events`).Scan(&n); err != nil {
		t.Fatalf("counting session events: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 session events, got %d", n)
	}
}

func TestGatewayBalanceSnapshots(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	latest, err := g.LatestBalance(ctx)
	if err != nil {
		t.Fatalf("LatestBalance on empty table: %v", err)
	}
	if latest.Cash != 0 {
		t.Errorf("expected zero balance before any snapshot, got %f", latest.Cash)
	}

	first := models.BalanceSnapshot{Cash: 1234567, Timestamp: time.Now().Add(-time.Hour)}
	second := models.BalanceSnapshot{Cash: 1200000, Timestamp: time.Now()}
	if err := g.RecordBalance(ctx, first); err != nil {
		t.Fatalf("RecordBalance: %v", err)
	}
	if err := g.RecordBalance(ctx, second); err != nil {
		t.Fatalf("RecordBalance: %v", err)
	}

	latest, err = g.LatestBalance(ctx)
	if err != nil {
		t.Fatalf("LatestBalance: %v", err)
	}
	if latest.Cash != 1200000 {
		t.Errorf("expected most recent snapshot, got %f", latest.Cash)
	}
}
