package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresSink writes every verdict to the verdicts table.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and verifies the connection before
// returning.
func OpenPostgres(url string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresSink(db), nil
}

// NewPostgresSink wraps an existing connection pool.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the verdicts table and its fingerprint index if they
// do not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	const table = `CREATE TABLE IF NOT EXISTS verdicts (
		audit_id        BIGINT NOT NULL,
		recorded_at     TIMESTAMPTZ NOT NULL,
		fingerprint     TEXT NOT NULL,
		action          TEXT NOT NULL,
		risk_level      TEXT NOT NULL,
		risk_score      DOUBLE PRECISION NOT NULL,
		threat_category TEXT NOT NULL DEFAULT '',
		endpoint        TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		scenario        TEXT NOT NULL DEFAULT '',
		tracking_token  TEXT NOT NULL DEFAULT ''
	)`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("create verdicts table: %w", err)
	}
	const index = `CREATE INDEX IF NOT EXISTS verdicts_fingerprint_idx ON verdicts (fingerprint)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create fingerprint index: %w", err)
	}
	return nil
}

// Store inserts one verdict row.
func (s *PostgresSink) Store(ctx context.Context, rec *Record) error {
	const query = `INSERT INTO verdicts
		(audit_id, recorded_at, fingerprint, action, risk_level, risk_score,
		 threat_category, endpoint, confidence, scenario, tracking_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.ExecContext(ctx, query,
		int64(rec.AuditID),
		rec.Time,
		rec.Fingerprint,
		rec.Action,
		rec.Level,
		rec.RiskScore,
		rec.Category,
		rec.Endpoint,
		rec.Confidence,
		rec.Scenario,
		rec.TrackingToken,
	)
	if err != nil {
		return fmt.Errorf("insert verdict %d: %w", rec.AuditID, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
