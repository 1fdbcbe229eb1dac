package storage

import "context"

// Table names a logical table of the results backend.
type Table string

const (
	TableSessions Table = "game_sessions"
	TableTrials   Table = "game_trials"
	TableEvents   Table = "game_events"
)

// Op names a store primitive; it is carried on errors and fault hooks.
type Op string

const (
	OpInsert Op = "insert"
	OpUpsert Op = "upsert"
	OpUpdate Op = "update"
	OpGet    Op = "get"
	OpSelect Op = "select"
)

// Row is a set of column values. JSON-valued columns hold map[string]any.
type Row map[string]any

// Query filters and orders a Select.
type Query struct {
	// Eq requires column == value for every entry.
	Eq Row
	// In requires the column value to be one of the listed values.
	In map[string][]any
	// OrderBy sorts the result by this column (ascending unless Desc).
	OrderBy string
	Desc    bool
}

// Store is the boundary over a table-oriented results backend.
// This abstraction allows swapping implementations (memory, SQLite, Cassandra, REST)
// without changing the rest of the codebase.
//
// Implementations report failures as *Error so callers can tell a missing
// table or column apart from a transient network failure.
type Store interface {
	// Insert adds a new row.
	Insert(ctx context.Context, table Table, row Row) error

	// Upsert inserts the row or merges it into the row matching the conflict columns.
	Upsert(ctx context.Context, table Table, row Row, conflict ...string) error

	// Update merges values into every row matching key. Matching nothing is not an error.
	Update(ctx context.Context, table Table, key Row, values Row) error

	// Get returns the single row matching key, or ErrNotFound.
	Get(ctx context.Context, table Table, key Row) (Row, error)

	// Select returns the rows matching q in the requested order.
	Select(ctx context.Context, table Table, q Query) ([]Row, error)
}
