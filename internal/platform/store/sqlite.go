package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLite keeps one row per record with the JSON body in a TEXT column. It is
// meant for single-node deployments and local development.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "lis.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; transactions below rely on it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		body       TEXT NOT NULL,
		UNIQUE (collection, id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) List(ctx context.Context, collection string) ([]Record, error) {
	return s.scan(ctx, collection, nil)
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeBody([]byte(body))
}

func (s *SQLite) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	return s.scan(ctx, collection, func(r Record) bool { return Matches(r, field, value) })
}

func (s *SQLite) Search(ctx context.Context, collection, term string) ([]Record, error) {
	return s.scan(ctx, collection, func(r Record) bool { return ContainsFold(r, term) })
}

func (s *SQLite) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s: begin: %w", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	r := rec.Clone()
	if r.ID() == "" {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM documents`).Scan(&next); err != nil {
			return nil, fmt.Errorf("create %s: allocate id: %w", collection, err)
		}
		r["id"] = strconv.FormatInt(next, 10)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("create %s: encode: %w", collection, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`, collection, r.ID(), string(body)); err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create %s: commit: %w", collection, err)
	}
	return r, nil
}

func (s *SQLite) Patch(ctx context.Context, collection, id string, partial Record) (Record, error) {
	return s.modify(ctx, collection, id, func(cur Record) Record {
		out := Merge(cur, partial)
		out["id"] = cur["id"]
		return out
	})
}

func (s *SQLite) Replace(ctx context.Context, collection, id string, rec Record) (Record, error) {
	return s.modify(ctx, collection, id, func(cur Record) Record {
		out := rec.Clone()
		out["id"] = cur["id"]
		return out
	})
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Decrement reads and rewrites the record inside one transaction.
func (s *SQLite) Decrement(ctx context.Context, collection, id, field string, amount float64) (float64, float64, error) {
	var before, after float64
	_, err := s.modify(ctx, collection, id, func(cur Record) Record {
		before, _ = Number(cur[field])
		after = math.Max(0, before-amount)
		out := cur.Clone()
		out[field] = after
		return out
	})
	if err != nil {
		return 0, 0, err
	}
	return before, after, nil
}

func (s *SQLite) modify(ctx context.Context, collection, id string, fn func(Record) Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: begin: %w", collection, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	cur, err := decodeBody([]byte(body))
	if err != nil {
		return nil, err
	}
	next := fn(cur)
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: encode: %w", collection, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET body = ? WHERE collection = ? AND id = ?`, string(raw), collection, id); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update %s/%s: commit: %w", collection, id, err)
	}
	return next, nil
}

func (s *SQLite) scan(ctx context.Context, collection string, keep func(Record) bool) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		r, err := decodeBody([]byte(body))
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}
