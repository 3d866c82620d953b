package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"confbridge-admin/internal/apperr"
)

// querier is the subset of pgxpool.Pool used here, so pgxmock can stand in.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const defaultCASAttempts = 3

const (
	selectDocSQL = `SELECT doc, version FROM confbridge.documents WHERE kind = $1 AND key = $2`
	insertDocSQL = `
        INSERT INTO confbridge.documents (kind, key, doc, version, updated_at)
        VALUES ($1, $2, $3, 1, now())
        ON CONFLICT (kind, key) DO NOTHING
    `
	updateDocSQL = `
        UPDATE confbridge.documents
        SET doc = $3, version = version + 1, updated_at = now()
        WHERE kind = $1 AND key = $2 AND version = $4
    `
	listDocsSQL = `SELECT doc FROM confbridge.documents WHERE kind = $1 ORDER BY key`
)

// Postgres stores documents as rows of confbridge.documents and applies
// updates with a compare-and-swap on the row version.
type Postgres[T any] struct {
	db       querier
	kind     string
	attempts int
	logger   *slog.Logger
}

func NewPostgres[T any](db querier, kind string, logger *slog.Logger) *Postgres[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres[T]{db: db, kind: kind, attempts: defaultCASAttempts, logger: logger}
}

func (p *Postgres[T]) load(ctx context.Context, key string) (T, int64, bool, error) {
	var (
		doc     T
		raw     []byte
		version int64
	)
	err := p.db.QueryRow(ctx, selectDocSQL, p.kind, key).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return doc, 0, false, nil
		}
		return doc, 0, false, fmt.Errorf("select %s %s: %w", p.kind, key, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, 0, false, fmt.Errorf("decode %s %s: %w", p.kind, key, err)
	}
	return doc, version, true, nil
}

func (p *Postgres[T]) Get(ctx context.Context, key string) (T, bool, error) {
	doc, _, ok, err := p.load(ctx, key)
	return doc, ok, err
}

func (p *Postgres[T]) Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error) {
	var zero T
	for attempt := 1; attempt <= p.attempts; attempt++ {
		doc, version, exists, err := p.load(ctx, key)
		if err != nil {
			return zero, err
		}
		if err := fn(&doc, exists); err != nil {
			return zero, err
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return zero, fmt.Errorf("encode %s %s: %w", p.kind, key, err)
		}

		var tag pgconn.CommandTag
		if exists {
			tag, err = p.db.Exec(ctx, updateDocSQL, p.kind, key, raw, version)
		} else {
			tag, err = p.db.Exec(ctx, insertDocSQL, p.kind, key, raw)
		}
		if err != nil {
			return zero, fmt.Errorf("write %s %s: %w", p.kind, key, err)
		}
		if tag.RowsAffected() == 1 {
			return doc, nil
		}

		p.logger.Warn("document changed concurrently, retrying",
			"kind", p.kind, "key", key, "version", version, "attempt", attempt)
	}

	p.logger.Error("document update conflict", "kind", p.kind, "key", key, "attempts", p.attempts)
	return zero, fmt.Errorf("update %s %s: %w", p.kind, key, apperr.ErrConflict)
}

func (p *Postgres[T]) List(ctx context.Context) ([]T, error) {
	rows, err := p.db.Query(ctx, listDocsSQL, p.kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.kind, err)
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.kind, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
