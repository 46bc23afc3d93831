package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/rhwb/authflow/internal/resolver"
)

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		}
	}
	return nil
}

type fakeQuerier struct {
	row      *fakeRow
	lastSQL  string
	lastArgs []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL = sql
	q.lastArgs = args
	return q.row
}

func TestLookupByEmailActiveRow(t *testing.T) {
	q := &fakeQuerier{row: &fakeRow{
		values: []any{"coach@rhwb.org", "coach", "Coach K", true},
	}}
	p := newPostgres(q, defaultRosterTable)

	record, err := p.LookupByEmail(context.Background(), "coach@rhwb.org")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record.Role != "coach" || record.DisplayName != "Coach K" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(q.lastArgs) != 1 || q.lastArgs[0] != "coach@rhwb.org" {
		t.Fatalf("unexpected query args: %v", q.lastArgs)
	}
}

func TestLookupByEmailNoRow(t *testing.T) {
	q := &fakeQuerier{row: &fakeRow{err: pgx.ErrNoRows}}
	p := newPostgres(q, defaultRosterTable)

	_, err := p.LookupByEmail(context.Background(), "stranger@rhwb.org")
	if !errors.Is(err, resolver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupByEmailInactiveRow(t *testing.T) {
	q := &fakeQuerier{row: &fakeRow{
		values: []any{"former@rhwb.org", "coach", "Former Coach", false},
	}}
	p := newPostgres(q, defaultRosterTable)

	_, err := p.LookupByEmail(context.Background(), "former@rhwb.org")
	if !errors.Is(err, resolver.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLookupByEmailScanError(t *testing.T) {
	scanErr := errors.New("connection reset")
	q := &fakeQuerier{row: &fakeRow{err: scanErr}}
	p := newPostgres(q, defaultRosterTable)

	_, err := p.LookupByEmail(context.Background(), "coach@rhwb.org")
	if !errors.Is(err, scanErr) {
		t.Fatalf("expected raw error passthrough, got %v", err)
	}
}

func TestCustomRosterTable(t *testing.T) {
	q := &fakeQuerier{row: &fakeRow{err: pgx.ErrNoRows}}
	p := newPostgres(q, "volunteer_roster")

	_, _ = p.LookupByEmail(context.Background(), "x@y.org")
	if !strings.Contains(q.lastSQL, "volunteer_roster") {
		t.Fatalf("expected custom table in query, got %q", q.lastSQL)
	}
}
