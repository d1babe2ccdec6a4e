package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Gateway is the durable journal behind the pipeline: market events, order
// intents, wire attempts and outcomes, and balance snapshots. Every write
// commits before the function returns; the executor's exactly-once behaviour
// depends on that.
type Gateway struct {
	db  *sql.DB
	log *logger.Log
}

// Open creates the database file if needed, applies the durability pragmas
// and ensures the schema. The connection pool is capped at one connection:
// SQLite allows a single writer and the journal is write-heavy.
func Open(cfg appconfig.StoreConfig) (*Gateway, error) {
	path := cfg.Path
	if path == "" {
		path = "data/tradeflow.db"
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, models.FatalStartup(err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, models.FatalStartup(fmt.Errorf("opening sqlite database: %w", err))
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, models.FatalStartup(fmt.Errorf("setting WAL mode: %w", err))
	}

	synchronous := strings.ToUpper(cfg.Synchronous)
	if synchronous != "NORMAL" {
		synchronous = "FULL"
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA synchronous=%s;", synchronous)); err != nil {
		_ = db.Close()
		return nil, models.FatalStartup(fmt.Errorf("setting synchronous level: %w", err))
	}

	g := &Gateway{db: db, log: logger.GetLogger()}
	if err := g.initSchema(); err != nil {
		_ = db.Close()
		return nil, models.FatalStartup(err)
	}

	g.log.WithComponent("store").WithFields(logger.Fields{
		"path":        path,
		"synchronous": synchronous,
	}).Info("persistence gateway opened")

	return g, nil
}

func (g *Gateway) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS market_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			price REAL NOT NULL,
			ask_price REAL NOT NULL DEFAULT 0,
			quantity REAL NOT NULL,
			sequence_number INTEGER NOT NULL,
			epoch_seq INTEGER NOT NULL,
			epoch_id TEXT NOT NULL,
			event_time TEXT NOT NULL,
			received_time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_events_instrument
			ON market_events(instrument_id, epoch_seq, sequence_number);`,
		`CREATE TABLE IF NOT EXISTS order_intents (
			idempotency_key TEXT PRIMARY KEY,
			instrument_id TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS order_outcomes (
			idempotency_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			broker_order_id TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cash REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying database.
func (g *Gateway) Close() error {
	if g.db == nil {
		return nil
	}
	g.log.WithComponent("store").Info("persistence gateway closed")
	return g.db.Close()
}

// RecordEvent appends one market event to the journal.
func (g *Gateway) RecordEvent(ctx context.Context, ev models.MarketEvent) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO market_events
			(instrument_id, event_type, price, ask_price, quantity, sequence_number, epoch_seq, epoch_id, event_time, received_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.InstrumentID, string(ev.Type), ev.Price, ev.AskPrice, ev.Quantity,
		ev.SequenceNumber, ev.Epoch.Seq, ev.Epoch.ID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.ReceivedTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording market event: %w", err)
	}
	return nil
}

// RecordIntent journals an intent before it is handed to the executor.
// Re-recording the same idempotency key is a no-op.
func (g *Gateway) RecordIntent(ctx context.Context, intent models.OrderIntent) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO order_intents
			(idempotency_key, instrument_id, side, quantity, price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		intent.IdempotencyKey, intent.InstrumentID, string(intent.Side),
		intent.Quantity, intent.Price,
		intent.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording intent: %w", err)
	}
	return nil
}

// RecordAttempt persists the wire attempt counter before the submission is
// sent. The counter only moves forward, so replaying an older attempt
// number after a crash cannot roll it back.
func (g *Gateway) RecordAttempt(ctx context.Context, idempotencyKey string, attempt int) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO order_outcomes (idempotency_key, status, attempts, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO UPDATE SET
			attempts = MAX(attempts, excluded.attempts),
			updated_at = excluded.updated_at`,
		idempotencyKey, string(models.StatusUnknown), attempt,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// RecordOutcome persists the submission result for an intent.
func (g *Gateway) RecordOutcome(ctx context.Context, outcome models.OrderOutcome) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO order_outcomes (idempotency_key, status, broker_order_id, attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			broker_order_id = excluded.broker_order_id,
			attempts = MAX(attempts, excluded.attempts),
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		outcome.IdempotencyKey, string(outcome.Status), outcome.BrokerOrderID,
		outcome.Attempts, outcome.LastError,
		outcome.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// LoadUnresolvedIntents returns journaled intents that never reached a
// terminal outcome, oldest first, with the attempts already burned.
func (g *Gateway) LoadUnresolvedIntents(ctx context.Context) ([]models.UnresolvedIntent, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT i.idempotency_key, i.instrument_id, i.side, i.quantity, i.price, i.created_at,
			COALESCE(o.attempts, 0)
		 FROM order_intents i
		 LEFT JOIN order_outcomes o ON o.idempotency_key = i.idempotency_key
		 WHERE o.idempotency_key IS NULL OR o.status = ?
		 ORDER BY i.rowid`,
		string(models.StatusUnknown),
	)
	if err != nil {
		return nil, fmt.Errorf("loading unresolved intents: %w", err)
	}
	defer rows.Close()

	var out []models.UnresolvedIntent
	for rows.Next() {
		var (
			u         models.UnresolvedIntent
			side      string
			createdAt string
		)
		if err := rows.Scan(&u.Intent.IdempotencyKey, &u.Intent.InstrumentID, &side,
			&u.Intent.Quantity, &u.Intent.Price, &createdAt, &u.Attempts); err != nil {
			return nil, fmt.Errorf("scanning unresolved intent: %w", err)
		}
		u.Intent.Side = models.Side(side)
		u.Intent.CreatedAt = parseStoredTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// CompletedKeys returns every idempotency key with a terminal outcome.
func (g *Gateway) CompletedKeys(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT idempotency_key FROM order_outcomes WHERE status IN (?, ?, ?)`,
		string(models.StatusAccepted), string(models.StatusRejected), string(models.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("loading completed keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning completed key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RecordBalance appends an account cash snapshot.
func (g *Gateway) RecordBalance(ctx context.Context, snapshot models.BalanceSnapshot) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO balance_snapshots (cash, recorded_at) VALUES (?, ?)`,
		snapshot.Cash, snapshot.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording balance: %w", err)
	}
	return nil
}

// RecordSessionEvent appends a token lifecycle audit record.
func (g *Gateway) RecordSessionEvent(ctx context.Context, ev models.SessionEvent) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO session_events (kind, expires_at, detail, recorded_at) VALUES (?, ?, ?, ?)`,
		ev.Kind, ev.ExpiresAt.UTC().Format(time.RFC3339Nano), ev.Detail,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording session event: %w", err)
	}
	return nil
}

// LatestBalance returns the most recent cash snapshot, zero value when none
// was recorded yet.
func (g *Gateway) LatestBalance(ctx context.Context) (models.BalanceSnapshot, error) {
	var (
		snap models.BalanceSnapshot
		at   string
	)
	err := g.db.QueryRowContext(ctx,
		`SELECT cash, recorded_at FROM balance_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&snap.Cash, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BalanceSnapshot{}, nil
	}
	if err != nil {
		return models.BalanceSnapshot{}, fmt.Errorf("loading latest balance: %w", err)
	}
	snap.Timestamp = parseStoredTime(at)
	return snap, nil
}

// EventCount reports how many market events the journal holds.
func (g *Gateway) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM market_events`).Scan(&n)
	return n, err
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", path, err)
	}
	return nil
}
