// Package postgres reads children and stories from PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyturn/internal/catalog"
	"github.com/MrWong99/storyturn/internal/fault"
)

const ddlCatalog = `
CREATE TABLE IF NOT EXISTS children (
    id          BIGSERIAL    PRIMARY KEY,
    name        TEXT         NOT NULL,
    birth_year  INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stories (
    id              BIGSERIAL    PRIMARY KEY,
    title           TEXT         NOT NULL,
    intro_question  TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the children and stories tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCatalog); err != nil {
		return fmt.Errorf("catalog postgres: migrate: %w", err)
	}
	return nil
}

// Catalog implements [catalog.Catalog] on a shared pool.
type Catalog struct {
	pool *pgxpool.Pool
}

var _ catalog.Catalog = (*Catalog)(nil)

// New runs [Migrate] and returns a catalog using pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Catalog, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Catalog{pool: pool}, nil
}

// Child implements [catalog.Catalog].
func (c *Catalog) Child(ctx context.Context, id int64) (catalog.Child, error) {
	const q = `SELECT id, name, birth_year FROM children WHERE id = $1`
	var out catalog.Child
	err := c.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.Name, &out.BirthYear)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Child{}, catalog.ErrChildNotFound(id)
	}
	if err != nil {
		return catalog.Child{}, fault.Wrap(fault.KindStorage, "catalog postgres: child", err)
	}
	return out, nil
}

// Story implements [catalog.Catalog].
func (c *Catalog) Story(ctx context.Context, id int64) (catalog.Story, error) {
	const q = `SELECT id, title, intro_question FROM stories WHERE id = $1`
	var out catalog.Story
	err := c.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.Title, &out.IntroQuestion)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Story{}, catalog.ErrStoryNotFound(id)
	}
	if err != nil {
		return catalog.Story{}, fault.Wrap(fault.KindStorage, "catalog postgres: story", err)
	}
	return out, nil
}
