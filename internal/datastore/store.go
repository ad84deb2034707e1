// Package datastore is the persistent configuration store. Tables are
// collections of JSON documents with integer ids; filtering uses the same
// filter package as subscriptions and *.query methods.
package datastore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/svcfields"
)

var (
	// ErrNotFound is returned for missing ids.
	ErrNotFound = errors.New("datastore: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("datastore: closed")
)

// Querier is the store surface handlers use, inside or outside a
// transaction.
type Querier interface {
	Query(ctx context.Context, table string, expr filter.Expr, opts filter.Options) (any, error)
	Rows(ctx context.Context, table string, expr filter.Expr) ([]filter.Row, error)
	GetInstance(ctx context.Context, table string, id int64) (filter.Row, error)
	Insert(ctx context.Context, table string, row filter.Row) (int64, error)
	Update(ctx context.Context, table string, id int64, changes filter.Row) (filter.Row, error)
	Delete(ctx context.Context, table string, id int64) error
}

// Datastore adds transactions to Querier.
type Datastore interface {
	Querier
	Transaction(ctx context.Context, fn func(tx Querier) error) error
}

// Store is the SQLite-backed Datastore.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
	q      *querier
}

var _ Datastore = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, logger pslog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	s := &Store{db: db, logger: svcfields.WithSubsystem(logger, "datastore.sqlite")}
	s.q = &querier{conn: db}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Query implements Querier.
func (s *Store) Query(ctx context.Context, table string, expr filter.Expr, opts filter.Options) (any, error) {
	return s.q.Query(ctx, table, expr, opts)
}

// Rows implements Querier.
func (s *Store) Rows(ctx context.Context, table string, expr filter.Expr) ([]filter.Row, error) {
	return s.q.Rows(ctx, table, expr)
}

// GetInstance implements Querier.
func (s *Store) GetInstance(ctx context.Context, table string, id int64) (filter.Row, error) {
	return s.q.GetInstance(ctx, table, id)
}

// Insert implements Querier.
func (s *Store) Insert(ctx context.Context, table string, row filter.Row) (int64, error) {
	var id int64
	err := s.Transaction(ctx, func(tx Querier) error {
		var err error
		id, err = tx.Insert(ctx, table, row)
		return err
	})
	return id, err
}

// Update implements Querier.
func (s *Store) Update(ctx context.Context, table string, id int64, changes filter.Row) (filter.Row, error) {
	var out filter.Row
	err := s.Transaction(ctx, func(tx Querier) error {
		var err error
		out, err = tx.Update(ctx, table, id, changes)
		return err
	})
	return out, err
}

// Delete implements Querier.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	return s.q.Delete(ctx, table, id)
}

// Transaction runs fn in a database transaction, committing when fn
// returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	if err := fn(&querier{conn: tx}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querier struct {
	conn dbConn
}

func (q *querier) Query(ctx context.Context, table string, expr filter.Expr, opts filter.Options) (any, error) {
	rows, err := q.Rows(ctx, table, filter.Expr{})
	if err != nil {
		return nil, err
	}
	return filter.Apply(rows, expr, opts)
}

func (q *querier) Rows(ctx context.Context, table string, expr filter.Expr) ([]filter.Row, error) {
	res, err := q.conn.QueryContext(ctx, `SELECT id, data FROM documents WHERE tbl = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("datastore: query %s: %w", table, err)
	}
	defer res.Close()
	var out []filter.Row
	for res.Next() {
		var (
			id   int64
			data []byte
		)
		if err := res.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("datastore: scan %s: %w", table, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("datastore: decode %s/%d: %w", table, id, err)
		}
		row["id"] = id
		if expr.Match(row) {
			out = append(out, row)
		}
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("datastore: iterate %s: %w", table, err)
	}
	return out, nil
}

func (q *querier) GetInstance(ctx context.Context, table string, id int64) (filter.Row, error) {
	var data []byte
	err := q.conn.QueryRowContext(ctx, `SELECT data FROM documents WHERE tbl = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get %s/%d: %w", table, id, err)
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("datastore: decode %s/%d: %w", table, id, err)
	}
	row["id"] = id
	return row, nil
}

func (q *querier) nextID(ctx context.Context, table string) (int64, error) {
	if _, err := q.conn.ExecContext(ctx, `INSERT INTO sequences(tbl, next_id) VALUES (?, 1) ON CONFLICT(tbl) DO NOTHING`, table); err != nil {
		return 0, fmt.Errorf("datastore: init sequence %s: %w", table, err)
	}
	var id int64
	if err := q.conn.QueryRowContext(ctx, `UPDATE sequences SET next_id = next_id + 1 WHERE tbl = ? RETURNING next_id - 1`, table).Scan(&id); err != nil {
		return 0, fmt.Errorf("datastore: advance sequence %s: %w", table, err)
	}
	return id, nil
}

// Insert stores row. An "id" supplied by the caller is honored and bumps
// the sequence; otherwise the next sequence value is used.
func (q *querier) Insert(ctx context.Context, table string, row filter.Row) (int64, error) {
	doc := cloneRow(row)
	var id int64
	if raw, ok := doc["id"]; ok && raw != nil {
		n, ok := asInt(raw)
		if !ok {
			return 0, fmt.Errorf("datastore: insert %s: id must be an integer", table)
		}
		id = n
		if _, err := q.conn.ExecContext(ctx, `INSERT INTO sequences(tbl, next_id) VALUES (?, ?) ON CONFLICT(tbl) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)`, table, id+1); err != nil {
			return 0, fmt.Errorf("datastore: bump sequence %s: %w", table, err)
		}
	} else {
		var err error
		if id, err = q.nextID(ctx, table); err != nil {
			return 0, err
		}
	}
	delete(doc, "id")
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("datastore: encode %s: %w", table, err)
	}
	if _, err := q.conn.ExecContext(ctx, `INSERT INTO documents(tbl, id, data, updated_at) VALUES (?, ?, ?, ?)`, table, id, data, now()); err != nil {
		return 0, fmt.Errorf("datastore: insert %s/%d: %w", table, id, err)
	}
	return id, nil
}

// Update merges changes into the stored row and returns the result.
func (q *querier) Update(ctx context.Context, table string, id int64, changes filter.Row) (filter.Row, error) {
	current, err := q.GetInstance(ctx, table, id)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		if k == "id" {
			continue
		}
		current[k] = v
	}
	doc := cloneRow(current)
	delete(doc, "id")
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("datastore: encode %s/%d: %w", table, id, err)
	}
	if _, err := q.conn.ExecContext(ctx, `UPDATE documents SET data = ?, updated_at = ? WHERE tbl = ? AND id = ?`, data, now(), table, id); err != nil {
		return nil, fmt.Errorf("datastore: update %s/%d: %w", table, id, err)
	}
	return q.GetInstance(ctx, table, id)
}

func (q *querier) Delete(ctx context.Context, table string, id int64) error {
	res, err := q.conn.ExecContext(ctx, `DELETE FROM documents WHERE tbl = ? AND id = ?`, table, id)
	if err != nil {
		return fmt.Errorf("datastore: delete %s/%d: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, table, id)
	}
	return nil
}

func decodeRow(data []byte) (filter.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return normalizeNumbers(row).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	}
	return v
}

func cloneRow(row filter.Row) filter.Row {
	out := make(filter.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == float64(int64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
