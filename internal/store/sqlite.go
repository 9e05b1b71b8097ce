package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"volharvest/internal/backtest"
	"volharvest/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const dateLayout = "2006-01-02"

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = [][]string{
	{
		`CREATE TABLE runs (
			id         TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL,
			algorithm  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			config     TEXT NOT NULL,
			summary    TEXT NOT NULL
		)`,
		`CREATE INDEX runs_symbol ON runs (symbol, created_at)`,
		`CREATE TABLE transactions (
			run_id    TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			date      TEXT NOT NULL,
			action    TEXT NOT NULL,
			quantity  INTEGER NOT NULL,
			price     REAL NOT NULL,
			amount    TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			note      TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	},
}

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts the run header and its transaction log in one
// transaction and returns the generated run ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, res *backtest.Result) (string, error) {
	cfg, err := json.Marshal(res.Config)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	sum, err := json.Marshal(res.Summary)
	if err != nil {
		return "", fmt.Errorf("encoding summary: %w", err)
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, symbol, algorithm, created_at, config, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		id, res.Symbol, res.Config.Algorithm.String(), s.now().UnixMilli(), string(cfg), string(sum))
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions (run_id, seq, date, action, quantity, price, amount, iteration, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, t := range res.Transactions {
		_, err := stmt.ExecContext(ctx, id, i, t.Date.Format(dateLayout), string(t.Action),
			t.Quantity, t.Price, t.Amount.String(), t.Iteration, t.Note)
		if err != nil {
			return "", fmt.Errorf("inserting transaction %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetRun retrieves a run header by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, algorithm, created_at, config, summary FROM runs WHERE id = ?`, id)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListRuns returns run headers newest first, optionally for one symbol.
func (s *SQLiteStore) ListRuns(ctx context.Context, symbol string) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, algorithm, created_at, config, summary FROM runs
		 WHERE ? = '' OR symbol = ?
		 ORDER BY created_at DESC, rowid DESC`, symbol, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// ListTransactions returns the stored log of a run in its original order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, runID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, action, quantity, price, amount, iteration, note
		 FROM transactions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t            domain.Transaction
			date, action string
			amount       string
		)
		if err := rows.Scan(&date, &action, &t.Quantity, &t.Price, &amount, &t.Iteration, &t.Note); err != nil {
			return nil, err
		}
		if t.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("transaction date %q: %w", date, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction amount %q: %w", amount, err)
		}
		t.Action = domain.Action(action)
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunInfo, error) {
	var (
		info      RunInfo
		created   int64
		cfg, summ string
	)
	if err := sc.Scan(&info.ID, &info.Symbol, &info.Algorithm, &created, &cfg, &summ); err != nil {
		return nil, err
	}
	info.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(cfg), &info.Config); err != nil {
		return nil, fmt.Errorf("decoding config of run %s: %w", info.ID, err)
	}
	if err := json.Unmarshal([]byte(summ), &info.Summary); err != nil {
		return nil, fmt.Errorf("decoding summary of run %s: %w", info.ID, err)
	}
	return &info, nil
}
