package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/hearth/pkg/memory"
)

const selectEntries = "SELECT role, text, epoch, timestamp\nFROM   conversation_entries\n"

var entryColumns = []string{"session_id", "role", "text", "epoch", "timestamp"}

// Append implements [memory.SessionStore] with a single COPY, which stores
// all entries or none.
func (s *Store) Append(ctx context.Context, sessionID string, entries ...memory.TranscriptEntry) error {
	if sessionID == "" {
		return errors.New("session store: append: empty session id")
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	rows := pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
		e := entries[i]
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		return []any{sessionID, string(e.Role), e.Text, int64(e.Epoch), ts}, nil
	})
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"conversation_entries"}, entryColumns, rows)
	if err != nil {
		return fmt.Errorf("session store: append: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("session store: append: copied %d of %d entries", n, len(entries))
	}
	return nil
}

// GetRecent implements [memory.SessionStore]. The cutoff is computed on the
// client so it matches the caller's clock.
func (s *Store) GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]memory.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, selectEntries+`
WHERE  session_id = @session_id AND timestamp >= @since
ORDER  BY timestamp, id`, pgx.NamedArgs{
		"session_id": sessionID,
		"since":      time.Now().Add(-duration),
	})
	if err != nil {
		return nil, fmt.Errorf("session store: get recent: %w", err)
	}
	return scanEntries(rows)
}

// Search implements [memory.SessionStore]. The query goes through
// plainto_tsquery, so plain words match without operator syntax.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	sql, args := searchSQL(query, opts)
	rows, err := s.pool.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return scanEntries(rows)
}

// searchSQL renders the search statement. Only the filters set in opts
// appear in it.
func searchSQL(query string, opts memory.SearchOpts) (string, pgx.NamedArgs) {
	args := pgx.NamedArgs{"query": query}
	where := []string{"to_tsvector('english', text) @@ plainto_tsquery('english', @query)"}
	filter := func(cond, name string, v any) {
		where = append(where, cond+" @"+name)
		args[name] = v
	}
	if opts.SessionID != "" {
		filter("session_id =", "session_id", opts.SessionID)
	}
	if !opts.After.IsZero() {
		filter("timestamp >", "after", opts.After)
	}
	if !opts.Before.IsZero() {
		filter("timestamp <", "before", opts.Before)
	}
	if opts.Role != "" {
		filter("role =", "role", string(opts.Role))
	}

	var b strings.Builder
	b.WriteString(selectEntries)
	b.WriteString("WHERE  ")
	b.WriteString(strings.Join(where, "\n  AND  "))
	b.WriteString("\nORDER  BY timestamp, id")
	if opts.Limit > 0 {
		b.WriteString("\nLIMIT  @limit")
		args["limit"] = opts.Limit
	}
	return b.String(), args
}

// entryRow mirrors the selected columns.
type entryRow struct {
	Role      string    `db:"role"`
	Text      string    `db:"text"`
	Epoch     int64     `db:"epoch"`
	Timestamp time.Time `db:"timestamp"`
}

func scanEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	got, err := pgx.CollectRows(rows, pgx.RowToStructByName[entryRow])
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	entries := make([]memory.TranscriptEntry, len(got))
	for i, r := range got {
		entries[i] = memory.TranscriptEntry{
			Role:      memory.Role(r.Role),
			Text:      r.Text,
			Epoch:     uint64(r.Epoch),
			Timestamp: r.Timestamp,
		}
	}
	return entries, nil
}
