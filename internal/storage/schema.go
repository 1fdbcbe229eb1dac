package storage

// ColumnKind is the value type of a column.
type ColumnKind int

const (
	ColText ColumnKind = iota
	ColInt
	ColFloat
	ColBool
	ColTime
	ColJSON
)

// Column describes one column of a table.
type Column struct {
	Name string
	Kind ColumnKind
}

// TableSchema describes a table and its key columns.
type TableSchema struct {
	Name    Table
	Columns []Column
	// Key is the primary key.
	Key []string
	// Unique lists additional unique constraints.
	Unique [][]string
}

// Has reports whether the table declares column.
func (t *TableSchema) Has(column string) bool {
	_, ok := t.Kind(column)
	return ok
}

// Kind returns the declared kind of column.
func (t *TableSchema) Kind(column string) (ColumnKind, bool) {
	for _, c := range t.Columns {
		if c.Name == column {
			return c.Kind, true
		}
	}
	return ColText, false
}

// Schema is a catalog of tables.
type Schema map[Table]*TableSchema

// Without returns a copy of the schema lacking the given tables.
func (s Schema) Without(tables ...Table) Schema {
	out := make(Schema, len(s))
	for name, t := range s {
		out[name] = t
	}
	for _, name := range tables {
		delete(out, name)
	}
	return out
}

// Session column sets. The minimal set is the baseline every deployed
// backend carries; the full set adds the result-summary extensions.
var (
	FullSessionColumns = []string{
		"id", "user_id", "game_id", "difficulty_level", "difficulty_end", "variant",
		"started_at", "finished_at", "duration_ms", "score", "accuracy", "completed",
		"summary", "extra", "app_version", "game_version", "metadata", "created_at",
	}
	MinimalSessionColumns = []string{
		"id", "user_id", "game_id", "difficulty_level", "variant", "started_at",
		"finished_at", "score", "accuracy", "completed", "extra", "created_at",
	}
)

var sessionColumnKinds = map[string]ColumnKind{
	"id":               ColText,
	"user_id":          ColText,
	"game_id":          ColText,
	"difficulty_level": ColFloat,
	"difficulty_end":   ColFloat,
	"variant":          ColText,
	"started_at":       ColTime,
	"finished_at":      ColTime,
	"duration_ms":      ColInt,
	"score":            ColFloat,
	"accuracy":         ColFloat,
	"completed":        ColBool,
	"summary":          ColJSON,
	"extra":            ColJSON,
	"app_version":      ColText,
	"game_version":     ColText,
	"metadata":         ColJSON,
	"created_at":       ColTime,
}

func sessionsTable(columns []string) *TableSchema {
	cols := make([]Column, 0, len(columns))
	for _, name := range columns {
		cols = append(cols, Column{Name: name, Kind: sessionColumnKinds[name]})
	}
	return &TableSchema{Name: TableSessions, Columns: cols, Key: []string{"id"}}
}

func trialsTable() *TableSchema {
	return &TableSchema{
		Name: TableTrials,
		Columns: []Column{
			{Name: "id", Kind: ColText},
			{Name: "session_id", Kind: ColText},
			{Name: "trial_index", Kind: ColInt},
			{Name: "trial_data", Kind: ColJSON},
			{Name: "score", Kind: ColJSON},
			{Name: "created_at", Kind: ColTime},
		},
		Key:    []string{"id"},
		Unique: [][]string{{"session_id", "trial_index"}},
	}
}

func eventsTable() *TableSchema {
	return &TableSchema{
		Name: TableEvents,
		Columns: []Column{
			{Name: "id", Kind: ColText},
			{Name: "session_id", Kind: ColText},
			{Name: "event_type", Kind: ColText},
			{Name: "payload", Kind: ColJSON},
			{Name: "created_at", Kind: ColTime},
		},
		Key: []string{"id"},
	}
}

// FullSchema is the current backend schema: extended sessions, trials and events.
func FullSchema() Schema {
	return Schema{
		TableSessions: sessionsTable(FullSessionColumns),
		TableTrials:   trialsTable(),
		TableEvents:   eventsTable(),
	}
}

// LegacySchema is the oldest deployed schema: baseline sessions and events, no trial table.
func LegacySchema() Schema {
	return Schema{
		TableSessions: sessionsTable(MinimalSessionColumns),
		TableEvents:   eventsTable(),
	}
}

var catalog = FullSchema()

// ColumnKindOf looks a column up in the full catalog. Unknown columns are text.
func ColumnKindOf(table Table, column string) ColumnKind {
	t, ok := catalog[table]
	if !ok {
		return ColText
	}
	kind, _ := t.Kind(column)
	return kind
}
