package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vincentbai/uxtrace/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked" under concurrent connections
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id               INTEGER PRIMARY KEY,
	  received_utc     INTEGER NOT NULL,
	  received_iso     TEXT    NOT NULL,
	  client_ts        TEXT    NOT NULL,
	  event            TEXT    NOT NULL CHECK (event <> ''),
	  session_id       TEXT    NOT NULL,
	  fallback_session INTEGER NOT NULL DEFAULT 0,
	  user_agent       TEXT    NOT NULL,
	  component_type   TEXT,
	  remote_addr      TEXT,
	  details_json     TEXT    NOT NULL CHECK (json_valid(details_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session  ON events(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_event    ON events(event);
	CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_utc);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

const insertEvent = `INSERT INTO events(received_utc, received_iso, client_ts, event, session_id, fallback_session, user_agent, component_type, remote_addr, details_json)
VALUES(?,?,?,?,?,?,?,?,?,json(?))`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertEvent persists one record. Safe for concurrent use.
func (d *Database) InsertEvent(ctx context.Context, event models.StoredEvent) error {
	return insert(ctx, d.db, event)
}

// InsertEvents persists a batch in one transaction: all or nothing.
func (d *Database) InsertEvents(ctx context.Context, events []models.StoredEvent) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, insertEvent)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range events {
		if err := insert(ctx, &preparedExecer{statement}, event); err != nil {
			_ = transaction.Rollback()
			return err
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type preparedExecer struct {
	statement *sql.Stmt
}

func (p *preparedExecer) ExecContext(ctx context.Context, _ string, args ...any) (sql.Result, error) {
	return p.statement.ExecContext(ctx, args...)
}

func insert(ctx context.Context, db execer, event models.StoredEvent) error {
	if event.Event == "" {
		return fmt.Errorf("event cannot be empty")
	}
	jsonData, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	received := event.ReceivedAt.UTC()
	_, err = db.ExecContext(ctx, insertEvent,
		received.UnixMilli(),
		received.Format(time.RFC3339Nano),
		event.ClientTimestamp,
		event.Event,
		event.SessionID,
		event.FallbackSession,
		event.UserAgent,
		nullable(event.ComponentType),
		nullable(event.RemoteAddr),
		string(jsonData),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// EventsBySession returns a session's records in insertion order.
func (d *Database) EventsBySession(ctx context.Context, sessionID string) ([]models.StoredEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT received_utc, client_ts, event, session_id, fallback_session, user_agent,
	       COALESCE(component_type, ''), COALESCE(remote_addr, ''), details_json
	FROM events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.StoredEvent
	for rows.Next() {
		var (
			event       models.StoredEvent
			receivedUTC int64
			detailsJSON string
		)
		if err := rows.Scan(&receivedUTC, &event.ClientTimestamp, &event.Event, &event.SessionID,
			&event.FallbackSession, &event.UserAgent, &event.ComponentType, &event.RemoteAddr, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		event.ReceivedAt = time.UnixMilli(receivedUTC).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func (d *Database) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
