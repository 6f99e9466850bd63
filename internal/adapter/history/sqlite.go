// Package history persists persona activation events to SQLite for usage
// analysis. It observes the event bus; the core never writes here
// directly, so a slow disk cannot stall a lifecycle transition.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"personakit/internal/domain"
)

// Record is one persisted activation event.
type Record struct {
	ActivationID string
	PersonaID    string
	Event        string // activated|deactivated|evicted
	Fingerprint  string
	DurationMs   int64
	CreatedAt    time.Time
}

// PersonaTotals aggregates history per persona.
type PersonaTotals struct {
	PersonaID     string
	Activations   int64
	TotalActiveMs int64
}

// Store is a SQLite-backed activation history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the history database at dbPath and runs the
// schema migration.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activation_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			activation_id TEXT NOT NULL,
			persona_id    TEXT NOT NULL,
			event         TEXT NOT NULL,
			fingerprint   TEXT NOT NULL DEFAULT '',
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_events_persona
			ON activation_events(persona_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_events_created
			ON activation_events(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Attach subscribes the store to persona lifecycle events on the bus.
// The returned function unsubscribes.
func (s *Store) Attach(bus domain.EventBus) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventPersonaActivated, s.onActivated),
		bus.Subscribe(domain.EventPersonaDeactivated, s.onDeactivated),
		bus.Subscribe(domain.EventPersonaEvicted, s.onEvicted),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Store) onActivated(ctx context.Context, event domain.Event) {
	var p domain.ActivationPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		s.logger.Warn("history: bad activation payload", "error", err)
		return
	}
	s.insert(ctx, Record{
		ActivationID: p.ActivationID,
		PersonaID:    p.PersonaID,
		Event:        "activated",
		Fingerprint:  p.Fingerprint,
		CreatedAt:    event.Timestamp,
	})
}

func (s *Store) onDeactivated(ctx context.Context, event domain.Event) {
	var p domain.DeactivationPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		s.logger.Warn("history: bad deactivation payload", "error", err)
		return
	}
	s.insert(ctx, Record{
		ActivationID: p.ActivationID,
		PersonaID:    p.PersonaID,
		Event:        "deactivated",
		DurationMs:   p.DurationMs,
		CreatedAt:    event.Timestamp,
	})
}

func (s *Store) onEvicted(ctx context.Context, event domain.Event) {
	s.insert(ctx, Record{
		PersonaID: event.PersonaID,
		Event:     "evicted",
		CreatedAt: event.Timestamp,
	})
}

func (s *Store) insert(ctx context.Context, r Record) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activation_events
			(activation_id, persona_id, event, fingerprint, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ActivationID, r.PersonaID, r.Event, r.Fingerprint, r.DurationMs,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("history insert failed", "persona_id", r.PersonaID, "error", err)
	}
}

// Recent returns the most recent activation events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT activation_id, persona_id, event, fingerprint, duration_ms, created_at
		 FROM activation_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ActivationID, &r.PersonaID, &r.Event, &r.Fingerprint, &r.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates activation counts and active time per persona.
func (s *Store) Totals(ctx context.Context) ([]PersonaTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id,
		        SUM(CASE WHEN event = 'activated' THEN 1 ELSE 0 END),
		        SUM(duration_ms)
		 FROM activation_events GROUP BY persona_id ORDER BY persona_id`)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	var out []PersonaTotals
	for rows.Next() {
		var t PersonaTotals
		if err := rows.Scan(&t.PersonaID, &t.Activations, &t.TotalActiveMs); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trim deletes events older than the cutoff and returns how many rows were
// removed. Implements usecase.HistoryTrimmer.
func (s *Store) Trim(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM activation_events WHERE created_at < ?",
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("trim history: %w", err)
	}
	return res.RowsAffected()
}
