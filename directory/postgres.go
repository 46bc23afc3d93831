package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhwb/authflow/internal/resolver"
)

const defaultRosterTable = "coach_roster"

// rowQuerier is the subset of pgxpool.Pool the roster lookup needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres resolves roles from a roster table. Rows are matched on the
// lowercased email; a missing row maps to not-found and a deactivated row
// maps to unauthorized, so the coordinator signs the user out rather than
// retrying.
type Postgres struct {
	q     rowQuerier
	query string
}

// NewPostgres creates a roster directory over an existing connection
// pool. The pool's lifecycle belongs to the caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return newPostgres(pool, defaultRosterTable)
}

// NewPostgresTable is NewPostgres with a custom roster table name.
func NewPostgresTable(pool *pgxpool.Pool, table string) *Postgres {
	if table == "" {
		table = defaultRosterTable
	}
	return newPostgres(pool, table)
}

func newPostgres(q rowQuerier, table string) *Postgres {
	return &Postgres{
		q: q,
		query: fmt.Sprintf(
			`SELECT email, role, display_name, active FROM %s WHERE email = lower($1)`,
			table,
		),
	}
}

// LookupByEmail fetches the roster row for one address.
func (p *Postgres) LookupByEmail(ctx context.Context, email string) (resolver.Record, error) {
	var (
		record resolver.Record
		active bool
	)

	row := p.q.QueryRow(ctx, p.query, email)
	if err := row.Scan(&record.Email, &record.Role, &record.DisplayName, &active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resolver.Record{}, resolver.ErrNotFound
		}
		return resolver.Record{}, err
	}

	if !active {
		return resolver.Record{}, resolver.ErrUnauthorized
	}
	return record, nil
}
