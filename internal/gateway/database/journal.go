// Package database keeps the trade journal: every decision and execution the
// session produced, in a local SQLite file.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tradeloop/internal/types"
)

const memoryPath = ":memory:"

// Journal is an append-only log of decisions and executions.
type Journal struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	nowFn func() time.Time
}

// DecisionRecord is a journaled decision row.
type DecisionRecord struct {
	ID         int64                `json:"id"`
	DecisionID string               `json:"decision_id"`
	Symbol     string               `json:"symbol"`
	Action     types.Action         `json:"action"`
	Amount     float64              `json:"amount"`
	Price      float64              `json:"price"`
	Confidence float64              `json:"confidence"`
	Source     types.DecisionSource `json:"source"`
	Reasoning  string               `json:"reasoning"`
	DecidedAt  time.Time            `json:"decided_at"`
}

// ExecutionRecord is a journaled execution row.
type ExecutionRecord struct {
	ID         int64                 `json:"id"`
	DecisionID string                `json:"decision_id"`
	OrderID    string                `json:"order_id"`
	Symbol     string                `json:"symbol"`
	Side       types.Side            `json:"side"`
	Amount     float64               `json:"amount"`
	Price      float64               `json:"price"`
	Notional   float64               `json:"notional"`
	Fee        float64               `json:"fee"`
	Status     types.ExecutionStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
	ExecutedAt time.Time             `json:"executed_at"`
}

// NewJournal opens or creates the journal at path. ":memory:" keeps it in
// process for tests and dry runs.
func NewJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := "file::memory:?_pragma=busy_timeout(5000)"
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path, nowFn: time.Now}, nil
}

func (j *Journal) Path() string { return j.path }

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *Journal) handle() (*sql.DB, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, fmt.Errorf("journal is closed")
	}
	return j.db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			amount REAL,
			price REAL,
			confidence REAL,
			reasoning TEXT,
			decided_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id TEXT,
			order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			amount REAL,
			price REAL,
			notional REAL,
			fee REAL,
			status TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_symbol ON executions(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_ts ON executions(executed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	cols := []struct {
		table  string
		column string
		typ    string
	}{
		{"decisions", "source", "TEXT"},
		{"executions", "error", "TEXT"},
	}
	for _, col := range cols {
		if err := addColumnIfMissing(db, col.table, col.column, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
		}
	}
	rows.Close()
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

func (j *Journal) RecordDecision(ctx context.Context, d types.TradingDecision) (int64, error) {
	db, err := j.handle()
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(d.Symbol) == "" {
		return 0, &types.ValidationError{Field: "symbol", Reason: "empty"}
	}
	decided := d.Timestamp
	if decided.IsZero() {
		decided = j.nowFn()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO decisions
			(decision_id, symbol, action, amount, price, confidence, reasoning, source, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Symbol, string(d.Action), d.Amount, d.Price, d.Confidence, d.Reasoning, string(d.Source),
		decided.UnixMilli(), j.nowFn().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordExecution journals exec; failed dispatches pass a zero exec with
// execErr set so the attempt is still visible.
func (j *Journal) RecordExecution(ctx context.Context, decisionID string, exec types.TradeExecution, execErr error) (int64, error) {
	db, err := j.handle()
	if err != nil {
		return 0, err
	}
	status := exec.Status
	errText := ""
	if execErr != nil {
		status = types.ExecutionFailed
		errText = execErr.Error()
	}
	at := exec.Timestamp
	if at.IsZero() {
		at = j.nowFn()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO executions
			(decision_id, order_id, symbol, side, amount, price, notional, fee, status, error, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decisionID, exec.OrderID, exec.Symbol, string(exec.Side), exec.Amount, exec.Price,
		exec.Amount*exec.Price, exec.Fee, string(status), nullIfEmpty(errText), at.UnixMilli(), j.nowFn().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// ListExecutions returns the newest executions, optionally for one symbol.
func (j *Journal) ListExecutions(ctx context.Context, symbol string, limit int) ([]ExecutionRecord, error) {
	db, err := j.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, decision_id, order_id, symbol, side, amount, price, notional, fee, status, error, executed_at
		FROM executions`
	args := []any{}
	if sym := strings.TrimSpace(symbol); sym != "" {
		query += " WHERE symbol = ?"
		args = append(args, strings.ToUpper(sym))
	}
	query += " ORDER BY executed_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(limit))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var decisionID, orderID, errText sql.NullString
		var side, status string
		var ts int64
		if err := rows.Scan(&rec.ID, &decisionID, &orderID, &rec.Symbol, &side, &rec.Amount, &rec.Price,
			&rec.Notional, &rec.Fee, &status, &errText, &ts); err != nil {
			return nil, err
		}
		rec.DecisionID = decisionID.String
		rec.OrderID = orderID.String
		rec.Error = errText.String
		rec.Side = types.Side(side)
		rec.Status = types.ExecutionStatus(status)
		rec.ExecutedAt = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListDecisions returns the newest decisions, optionally for one symbol.
func (j *Journal) ListDecisions(ctx context.Context, symbol string, limit int) ([]DecisionRecord, error) {
	db, err := j.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, decision_id, symbol, action, amount, price, confidence, source, reasoning, decided_at
		FROM decisions`
	args := []any{}
	if sym := strings.TrimSpace(symbol); sym != "" {
		query += " WHERE symbol = ?"
		args = append(args, strings.ToUpper(sym))
	}
	query += " ORDER BY decided_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(limit))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var action string
		var source, reasoning sql.NullString
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.DecisionID, &rec.Symbol, &action, &rec.Amount, &rec.Price,
			&rec.Confidence, &source, &reasoning, &ts); err != nil {
			return nil, err
		}
		rec.Action = types.Action(action)
		rec.Source = types.DecisionSource(source.String)
		rec.Reasoning = reasoning.String
		rec.DecidedAt = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
