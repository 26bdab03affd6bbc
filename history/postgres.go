package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-collab-docs/errs"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS commits (
	doc_id     TEXT        NOT NULL,
	hash       TEXT        NOT NULL,
	parent     TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	message    TEXT        NOT NULL,
	author     TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (doc_id, hash)
);
CREATE TABLE IF NOT EXISTS heads (
	doc_id TEXT PRIMARY KEY,
	hash   TEXT NOT NULL
);`

// PostgresBackend stores logs in two tables: commits and heads. The head
// row is moved with a conditional write, which gives compare-and-swap
// semantics across processes sharing the database.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Head(ctx context.Context, docID string) (string, error) {
	var hash string
	err := b.pool.QueryRow(ctx, `SELECT hash FROM heads WHERE doc_id = $1`, docID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.Errorf(errs.KindNotFound, "postgres.Head", "no log for %q", docID)
	}
	return hash, err
}

func (b *PostgresBackend) Get(ctx context.Context, docID, hash string) (Commit, error) {
	c := Commit{Hash: hash}
	err := b.pool.QueryRow(ctx,
		`SELECT parent, content, message, author, created_at FROM commits WHERE doc_id = $1 AND hash = $2`,
		docID, hash,
	).Scan(&c.Parent, &c.Content, &c.Message, &c.Author, &c.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return Commit{}, errs.Errorf(errs.KindNotFound, "postgres.Get", "commit %s not in %q", ShortHash(hash), docID)
	}
	c.Timestamp = c.Timestamp.UTC()
	return c, err
}

func (b *PostgresBackend) Append(ctx context.Context, docID string, c Commit) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO commits (doc_id, hash, parent, content, message, author, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		docID, c.Hash, c.Parent, c.Content, c.Message, c.Author, c.Timestamp,
	); err != nil {
		return err
	}

	var moved int64
	if c.Parent == "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO heads (doc_id, hash) VALUES ($1, $2) ON CONFLICT (doc_id) DO NOTHING`,
			docID, c.Hash)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE heads SET hash = $2 WHERE doc_id = $1 AND hash = $3`,
			docID, c.Hash, c.Parent)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
	}
	if moved != 1 {
		return errs.Errorf(errs.KindConflict, "postgres.Append", "head of %q is not %q", docID, ShortHash(c.Parent))
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) Drop(ctx context.Context, docID string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM heads WHERE doc_id = $1`, docID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM commits WHERE doc_id = $1`, docID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
