/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements commission.TxStore using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  commission.ReferenceStore:   agents, positions, carriers, products, structures
  commission.UplineTraverser:  recursive upline walk (WITH RECURSIVE)
  commission.DealStore:        deals, unique on (policy_number, carrier_id)
  commission.SnapshotStore:    write-once hierarchy snapshots
  commission.TransactionStore: commission transactions (upsert)
  commission.ReportStore:      uploaded report bookkeeping

IDEMPOTENCY:
  Uniqueness lives in the schema, so concurrent or repeated uploads are
  safe without application locks:
  - deals:                INSERT ... ON CONFLICT DO NOTHING
  - commission_snapshots: INSERT ... ON CONFLICT DO NOTHING (never updated)
  - commissions:          INSERT ... ON CONFLICT DO UPDATE (amount only)

KEY TABLES:
  carriers, agents, positions, products, commission_structures,
  deals, commission_snapshots, commissions, commission_reports

CONNECTIONS:
  The pool is capped at one connection. SQLite allows a single writer
  anyway, and ":memory:" databases are per connection. Inside WithTx every
  query runs on the *sql.Tx, never on the pool.

MONEY:
  Decimals are stored as TEXT and parsed back with shopspring/decimal.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements commission.Store over a querier.
type queries struct {
	q querier
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ commission.TxStore = (*Store)(nil)
	_ commission.Store   = queries{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS carriers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		name TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_positions_agency
		ON positions(agency_id, level);

	-- Agents form a forest through upline_id. No foreign key on upline_id:
	-- agencies import their roster in any order.
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		name TEXT NOT NULL,
		agent_number TEXT NOT NULL DEFAULT '',
		email TEXT,
		upline_id TEXT,
		position_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_agency
		ON agents(agency_id);
	CREATE INDEX IF NOT EXISTS idx_agents_upline
		ON agents(upline_id) WHERE upline_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_number
		ON agents(agency_id, agent_number) WHERE agent_number <> '';

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		carrier_id TEXT NOT NULL REFERENCES carriers(id),
		agency_id TEXT NOT NULL,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_products_carrier_agency
		ON products(carrier_id, agency_id, active);

	-- level orders competing rows; it is not the hierarchy depth.
	CREATE TABLE IF NOT EXISTS commission_structures (
		id TEXT PRIMARY KEY,
		carrier_id TEXT NOT NULL REFERENCES carriers(id),
		position_id TEXT NOT NULL REFERENCES positions(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		level INTEGER NOT NULL DEFAULT 0,
		percentage TEXT NOT NULL,
		commission_type TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_structures_lookup
		ON commission_structures(carrier_id, position_id, product_id, level);

	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		carrier_id TEXT NOT NULL REFERENCES carriers(id),
		product_id TEXT,
		policy_number TEXT NOT NULL,
		client_name TEXT,
		client_email TEXT,
		client_phone TEXT,
		annual_premium TEXT,
		monthly_premium TEXT,
		effective_date TEXT,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (policy_number, carrier_id)
	);

	-- Write-once. No UPDATE statement touches this table.
	CREATE TABLE IF NOT EXISTS commission_snapshots (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL REFERENCES deals(id),
		agent_id TEXT NOT NULL,
		upline_agent_id TEXT,
		level INTEGER NOT NULL,
		commission_type TEXT NOT NULL,
		percentage TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (deal_id, agent_id, commission_type, level)
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL REFERENCES deals(id),
		agent_id TEXT NOT NULL,
		upline_agent_id TEXT,
		level INTEGER NOT NULL,
		commission_type TEXT NOT NULL,
		percentage TEXT NOT NULL,
		amount TEXT NOT NULL,
		premium_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		report_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (deal_id, agent_id, commission_type, level)
	);

	CREATE INDEX IF NOT EXISTS idx_commissions_agent
		ON commissions(agent_id);

	CREATE TABLE IF NOT EXISTS commission_reports (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		carrier_id TEXT NOT NULL,
		uploaded_by TEXT NOT NULL,
		file_name TEXT NOT NULL,
		status TEXT NOT NULL,
		total_rows INTEGER NOT NULL DEFAULT 0,
		processed_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT,
		manual_amount TEXT,
		manual_date TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_agency_created
		ON commission_reports(agency_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reports_status
		ON commission_reports(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (commission.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return commission.Persistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return commission.Persistence("commit transaction", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"commissions", "commission_snapshots", "deals", "commission_reports",
		"commission_structures", "products", "agents", "positions", "carriers",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return commission.Persistence("reset "+table, err)
		}
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID[T ~string](p *T) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func idPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id := T(ns.String)
	return &id
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return &ns.String
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const dateLayout = "2006-01-02"

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func datePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
