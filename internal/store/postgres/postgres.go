// Package postgres implements store.StateStore on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/store"
)

// Schema creates every table the store needs. Singleton rows are pinned to id 1.
const Schema = `
CREATE TABLE IF NOT EXISTS index_state (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	base_value DOUBLE PRECISION NOT NULL,
	divisor DOUBLE PRECISION NOT NULL CHECK (divisor > 0),
	created_at TIMESTAMPTZ NOT NULL,
	last_rebalance_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS index_history (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	raw_value DOUBLE PRECISION NOT NULL,
	index_value DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS portfolios (
	run_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	constituents JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS emergency_lock (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	override_hash TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	type TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	run_id TEXT NOT NULL,
	affected_symbols JSONB NOT NULL,
	override_hash TEXT NOT NULL
);`

const (
	qLoadState     = `SELECT base_value, divisor, created_at, last_rebalance_at FROM index_state WHERE id = 1`
	qSaveState     = `INSERT INTO index_state (id, base_value, divisor, created_at, last_rebalance_at) VALUES (1, $1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET base_value = EXCLUDED.base_value, divisor = EXCLUDED.divisor, created_at = EXCLUDED.created_at, last_rebalance_at = EXCLUDED.last_rebalance_at`
	qAppendHistory = `INSERT INTO index_history (ts, raw_value, index_value) VALUES ($1, $2, $3)`
	qLastHistory   = `SELECT ts, raw_value, index_value FROM index_history ORDER BY id DESC LIMIT 1`
	qHistoryAll    = `SELECT ts, raw_value, index_value FROM index_history ORDER BY id ASC`
	qHistoryTail   = `SELECT ts, raw_value, index_value FROM (SELECT id, ts, raw_value, index_value FROM index_history ORDER BY id DESC LIMIT $1) h ORDER BY id ASC`
	qSavePortfolio = `INSERT INTO portfolios (run_id, created_at, constituents) VALUES ($1, $2, $3) ON CONFLICT (run_id) DO UPDATE SET created_at = EXCLUDED.created_at, constituents = EXCLUDED.constituents`
	qLoadPortfolio = `SELECT run_id, created_at, constituents FROM portfolios ORDER BY created_at DESC LIMIT 1`
	qLoadEmergency = `SELECT override_hash, ts FROM emergency_lock WHERE id = 1`
	qSaveEmergency = `INSERT INTO emergency_lock (id, override_hash, ts) VALUES (1, $1, $2) ON CONFLICT (id) DO UPDATE SET override_hash = EXCLUDED.override_hash, ts = EXCLUDED.ts`
	qAppendAudit   = `INSERT INTO audit_events (id, type, ts, run_id, affected_symbols, override_hash) VALUES ($1, $2, $3, $4, $5, $6)`
	qAuditEvents   = `SELECT id, type, ts, run_id, affected_symbols, override_hash FROM audit_events ORDER BY ts ASC, id ASC`
)

// Store implements store.StateStore with sqlx.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an open connection.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Open connects, configures the pool and pings the server.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, domain.ConfigurationError("postgres", domain.ErrInvalidConfig, "database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, cfg.QueryTimeout()), nil
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadIndexState(ctx context.Context) (*domain.IndexState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var st domain.IndexState
	if err := s.db.GetContext(ctx, &st, qLoadState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load index state: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveIndexState(ctx context.Context, st domain.IndexState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, qSaveState, st.BaseValue, st.Divisor, st.CreatedAt, st.LastRebalanceAt); err != nil {
		return fmt.Errorf("failed to save index state: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, p domain.IndexHistoryPoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, qAppendHistory, p.Timestamp, p.RawValue, p.IndexValue); err != nil {
		return fmt.Errorf("failed to append index history: %w", err)
	}
	return nil
}

func (s *Store) LastHistoryPoint(ctx context.Context) (*domain.IndexHistoryPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var p domain.IndexHistoryPoint
	if err := s.db.GetContext(ctx, &p, qLastHistory); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last history point: %w", err)
	}
	return &p, nil
}

func (s *Store) History(ctx context.Context, limit int) ([]domain.IndexHistoryPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		points []domain.IndexHistoryPoint
		err    error
	)
	if limit > 0 {
		err = s.db.SelectContext(ctx, &points, qHistoryTail, limit)
	} else {
		err = s.db.SelectContext(ctx, &points, qHistoryAll)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query index history: %w", err)
	}
	return points, nil
}

func (s *Store) SavePortfolio(ctx context.Context, p domain.Portfolio) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	constituents, err := json.Marshal(p.Constituents)
	if err != nil {
		return fmt.Errorf("failed to marshal constituents: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, qSavePortfolio, p.RunID, p.CreatedAt, constituents); err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	return nil
}

type portfolioRow struct {
	RunID        string    `db:"run_id"`
	CreatedAt    time.Time `db:"created_at"`
	Constituents []byte    `db:"constituents"`
}

func (s *Store) LoadPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row portfolioRow
	if err := s.db.GetContext(ctx, &row, qLoadPortfolio); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	p := domain.Portfolio{RunID: row.RunID, CreatedAt: row.CreatedAt}
	if err := json.Unmarshal(row.Constituents, &p.Constituents); err != nil {
		return nil, domain.IntegrityError("load portfolio", err, "corrupt constituents for run %s", row.RunID)
	}
	return &p, nil
}

func (s *Store) LoadEmergencyLock(ctx context.Context) (*domain.EmergencyLock, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var l domain.EmergencyLock
	if err := s.db.GetContext(ctx, &l, qLoadEmergency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load emergency lock: %w", err)
	}
	return &l, nil
}

func (s *Store) SaveEmergencyLock(ctx context.Context, l domain.EmergencyLock) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, qSaveEmergency, l.OverrideHash, l.Timestamp); err != nil {
		return fmt.Errorf("failed to save emergency lock: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	symbols, err := json.Marshal(e.AffectedSymbols)
	if err != nil {
		return fmt.Errorf("failed to marshal affected symbols: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, qAppendAudit, e.ID, e.Type, e.Timestamp, e.RunID, symbols, e.OverrideHash); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) AuditEvents(ctx context.Context) ([]domain.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, qAuditEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			e       domain.AuditEvent
			symbols []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.RunID, &symbols, &e.OverrideHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := json.Unmarshal(symbols, &e.AffectedSymbols); err != nil {
			return nil, domain.IntegrityError("load audit events", err, "corrupt affected_symbols for %s", e.ID)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

var _ store.StateStore = (*Store)(nil)
