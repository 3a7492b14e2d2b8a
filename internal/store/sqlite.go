package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS brains (
			route TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT 'local',
			online INTEGER NOT NULL DEFAULT 0,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			route TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_route ON audit_events(route)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Brains ---

func (s *SQLiteStore) UpsertBrain(ctx context.Context, b *Brain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brains (route, connector_id, origin, online, registered_at, last_seen) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(route) DO UPDATE SET connector_id=excluded.connector_id, origin=excluded.origin,
		 online=excluded.online, registered_at=excluded.registered_at, last_seen=excluded.last_seen`,
		b.Route, b.ConnectorID, b.Origin, b.Online, b.RegisteredAt.UTC(), b.LastSeen.UTC(),
	)
	return err
}

func (s *SQLiteStore) SetBrainOnline(ctx context.Context, route string, online bool, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE brains SET online = ?, last_seen = ? WHERE route = ?",
		online, lastSeen.UTC(), route,
	)
	return err
}

func (s *SQLiteStore) ListBrains(ctx context.Context) ([]Brain, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT route, connector_id, origin, online, registered_at, last_seen FROM brains ORDER BY route",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brains []Brain
	for rows.Next() {
		var b Brain
		if err := rows.Scan(&b.Route, &b.ConnectorID, &b.Origin, &b.Online, &b.RegisteredAt, &b.LastSeen); err != nil {
			return nil, err
		}
		brains = append(brains, b)
	}
	return brains, rows.Err()
}

func (s *SQLiteStore) MarkAllOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE brains SET online = 0")
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, route, connector_id, remote_addr, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.Route, event.ConnectorID, event.RemoteAddr, detail, event.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, route, connector_id, remote_addr, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.Route != "" {
		query += " AND route = ?"
		args = append(args, filter.Route)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.Route, &e.ConnectorID, &e.RemoteAddr, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data retention ---

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
