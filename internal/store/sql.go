package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/flowguard/internal/policy"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking (SQLite user_version):
// 1 - initial policies/policy_events/counters layout
const currentSchemaVersion = 1

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return "", fmt.Errorf("store: unknown driver %q", s)
	}
}

// SQL is a Store over database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQL)(nil)

// Open opens a store for the given driver and data source. For SQLite the
// DSN is a file path. Pragmas and the schema are applied; Open is
// idempotent.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == SQLite {
		// SQLite supports one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	s := NewSQL(db, dialect)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite is shorthand for Open with the SQLite dialect.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	return Open(ctx, SQLite, path)
}

// NewSQL wraps an existing handle without touching the schema.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Init applies the embedded schema and, for SQLite, pending migrations.
func (s *SQL) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if s.dialect == SQLite {
		if err := runMigrations(ctx, s.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *SQL) DB() *sql.DB {
	return s.db
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	// Version 1 is the base schema applied above.
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres. Queries in this
// package never contain a literal question mark.
func (s *SQL) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Update runs fn in a database transaction.
func (s *SQL) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const policyColumns = `id, owner, minter, coverage_type, coverage_amount, underwriter_ref, terms,
		required_flow_rate, activation_state, last_observed_flow_rate, last_evaluated_seq, created_seq`

// Get returns the policy with the given id or ErrNotFound.
func (s *SQL) Get(ctx context.Context, id policy.ID) (policy.Record, error) {
	return getPolicy(ctx, s.db, s.dialect, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getPolicy(ctx context.Context, q queryer, d Dialect, id policy.ID) (policy.Record, error) {
	row := q.QueryRowContext(ctx, rebind(d, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE id = ?
	`), int64(id))

	rec, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Record{}, fmt.Errorf("read policy %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return policy.Record{}, fmt.Errorf("read policy %d: %w", id, err)
	}
	return rec, nil
}

// ListByOwner returns the owner's policies ordered by id.
// Returns an empty slice (not nil) when the owner holds nothing.
func (s *SQL) ListByOwner(ctx context.Context, owner policy.Account) ([]policy.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+policyColumns+`
		FROM policies
		WHERE owner = ?
		ORDER BY id ASC
	`), string(owner))
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	records := []policy.Record{}
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return records, nil
}

// Owners returns every distinct owner in ascending order.
func (s *SQL) Owners(ctx context.Context) ([]policy.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner
		FROM policies
		ORDER BY owner ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	owners := []policy.Account{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, policy.Account(owner))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

// Count returns the number of policies ever minted.
func (s *SQL) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count policies: %w", err)
	}
	return n, nil
}

// Events returns the event log ordered by seq. id 0 returns every event.
func (s *SQL) Events(ctx context.Context, id policy.ID) ([]policy.Event, error) {
	query := `
		SELECT id, seq, kind, policy_id, owner, correlation, payload
		FROM policy_events`
	var args []any
	if id != 0 {
		query += `
		WHERE policy_id = ?`
		args = append(args, int64(id))
	}
	query += `
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []policy.Event{}
	for rows.Next() {
		var (
			ev       policy.Event
			kind     string
			policyID int64
			owner    string
			payload  string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &kind, &policyID, &owner, &ev.Correlation, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = policy.EventKind(kind)
		ev.PolicyID = policy.ID(policyID)
		ev.Owner = policy.Account(owner)
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (policy.Record, error) {
	var (
		rec                    policy.Record
		id                     int64
		owner, minter          string
		terms, state           string
		required, lastObserved int64
	)
	err := row.Scan(
		&id,
		&owner,
		&minter,
		&rec.Coverage.Type,
		&rec.Coverage.Amount,
		&rec.Coverage.UnderwriterRef,
		&terms,
		&required,
		&state,
		&lastObserved,
		&rec.LastEvaluatedSeq,
		&rec.CreatedSeq,
	)
	if err != nil {
		return policy.Record{}, err
	}

	rec.ID = policy.ID(id)
	rec.Owner = policy.Account(owner)
	rec.Minter = policy.Account(minter)
	rec.RequiredFlowRate = policy.Rate(required)
	rec.LastObservedFlowRate = policy.Rate(lastObserved)

	rec.State, err = policy.ParseState(state)
	if err != nil {
		return policy.Record{}, fmt.Errorf("scan policy %d: %w", id, err)
	}
	rec.Coverage.Terms, err = unmarshalTerms(terms)
	if err != nil {
		return policy.Record{}, fmt.Errorf("scan policy %d: %w", id, err)
	}
	return rec, nil
}
