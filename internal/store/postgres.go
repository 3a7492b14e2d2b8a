package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS brains (
			route TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT 'local',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			route TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Brains ---

func (s *PostgresStore) UpsertBrain(ctx context.Context, b *Brain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brains (route, connector_id, origin, online, registered_at, last_seen) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(route) DO UPDATE SET connector_id=EXCLUDED.connector_id, origin=EXCLUDED.origin,
		 online=EXCLUDED.online, registered_at=EXCLUDED.registered_at, last_seen=EXCLUDED.last_seen`,
		b.Route, b.ConnectorID, b.Origin, b.Online, b.RegisteredAt, b.LastSeen,
	)
	return err
}

func (s *PostgresStore) SetBrainOnline(ctx context.Context, route string, online bool, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE brains SET online = $1, last_seen = $2 WHERE route = $3",
		online, lastSeen, route,
	)
	return err
}

func (s *PostgresStore) ListBrains(ctx context.Context) ([]Brain, error) {
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

func (s *PostgresStore) MarkAllOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE brains SET online = FALSE")
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	var detail any
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, route, connector_id, remote_addr, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Action, event.Route, event.ConnectorID, event.RemoteAddr, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, route, connector_id, remote_addr, COALESCE(detail::text, ''), created_at
	          FROM audit_events WHERE TRUE`
	var args []any
	argN := 1

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argN)
		args = append(args, filter.Action+"%")
		argN++
	}
	if filter.Route != "" {
		query += fmt.Sprintf(" AND route = $%d", argN)
		args = append(args, filter.Route)
		argN++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
