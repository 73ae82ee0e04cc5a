package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores records as JSONB rows in the documents table created by
// migrations/001_documents.sql. Collection paths are stored verbatim.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a store over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM documents WHERE collection = $1 ORDER BY created_at, id`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return collectBodies(rows, collection)
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Record, error) {
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeBody(body)
}

func (p *Postgres) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND body->>$2 = $3 ORDER BY created_at, id`,
		collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, field, err)
	}
	return collectBodies(rows, collection)
}

func (p *Postgres) Search(ctx context.Context, collection, term string) ([]Record, error) {
	all, err := p.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if ContainsFold(r, term) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Postgres) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	r := rec.Clone()
	if r.ID() == "" {
		var next int64
		if err := p.pool.QueryRow(ctx, `SELECT nextval('documents_id_seq')`).Scan(&next); err != nil {
			return nil, fmt.Errorf("create %s: allocate id: %w", collection, err)
		}
		r["id"] = fmt.Sprint(next)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("create %s: encode: %w", collection, err)
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, r.ID(), string(body))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("create %s: id %s already exists", collection, r.ID())
	}
	return r, nil
}

func (p *Postgres) Patch(ctx context.Context, collection, id string, partial Record) (Record, error) {
	changes := partial.Clone()
	delete(changes, "id")
	body, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("patch %s/%s: encode: %w", collection, id, err)
	}
	return p.update(ctx, collection, id,
		`UPDATE documents SET body = body || $3::jsonb, updated_at = NOW()
		 WHERE collection = $1 AND id = $2 RETURNING body`, string(body))
}

func (p *Postgres) Replace(ctx context.Context, collection, id string, rec Record) (Record, error) {
	r := rec.Clone()
	r["id"] = id
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("replace %s/%s: encode: %w", collection, id, err)
	}
	return p.update(ctx, collection, id,
		`UPDATE documents SET body = $3::jsonb, updated_at = NOW()
		 WHERE collection = $1 AND id = $2 RETURNING body`, string(body))
}

func (p *Postgres) update(ctx context.Context, collection, id, sql, body string) (Record, error) {
	var out []byte
	err := p.pool.QueryRow(ctx, sql, collection, id, body).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return decodeBody(out)
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Decrement runs a single row-locked UPDATE, so concurrent consumers of the
// same reagent serialize at the database.
func (p *Postgres) Decrement(ctx context.Context, collection, id, field string, amount float64) (float64, float64, error) {
	const sql = `
WITH cur AS (
    SELECT COALESCE((body->>$3)::float8, 0) AS v
    FROM documents WHERE collection = $1 AND id = $2
    FOR UPDATE
)
UPDATE documents d
SET body = jsonb_set(d.body, ARRAY[$3::text], to_jsonb(GREATEST(0, cur.v - $4::float8))),
    updated_at = NOW()
FROM cur
WHERE d.collection = $1 AND d.id = $2
RETURNING cur.v, GREATEST(0, cur.v - $4::float8)`

	var before, after float64
	err := p.pool.QueryRow(ctx, sql, collection, id, field, amount).Scan(&before, &after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("decrement %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("decrement %s/%s: %w", collection, id, err)
	}
	return before, after, nil
}

func collectBodies(rows pgx.Rows, collection string) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		r, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

func decodeBody(body []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if r == nil {
		return nil, ErrUnusableResponse
	}
	return r, nil
}
