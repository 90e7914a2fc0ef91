// Package memory defines the conversation log: every committed user turn and
// every reply that started playing is appended as a [TranscriptEntry].
//
// The log is write-mostly during a session. [SessionStore.GetRecent] seeds the
// conversation history when a session starts again and [SessionStore.Search]
// serves the operator looking back at what was said.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Role says who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one line of the conversation log.
type TranscriptEntry struct {
	// Role is who spoke.
	Role Role

	// Text is the committed transcript or the reply text.
	Text string

	// Epoch is the pipeline epoch the entry was produced under.
	Epoch uint64

	// Timestamp is when the entry was recorded.
	Timestamp time.Time
}

// SearchOpts configures a full-text search over the log.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Role restricts results to one side of the conversation.
	Role Role

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// SessionStore is the conversation log.
type SessionStore interface {
	// Append adds entries to the log of sessionID in one write: either all of
	// them are stored or none is. sessionID must be non-empty. Entries with a
	// zero Timestamp are stamped with the current time.
	Append(ctx context.Context, sessionID string, entries ...TranscriptEntry) error

	// GetRecent returns all entries of sessionID whose Timestamp is no earlier
	// than time.Now()-duration, oldest first.
	// Returns an empty (non-nil) slice when no matching entries exist.
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error)

	// Search performs full-text search over the Text field.
	// Returns an empty (non-nil) slice when no entries match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
