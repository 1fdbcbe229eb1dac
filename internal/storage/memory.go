package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultFunc lets tests inject a failure before an operation touches the tables.
type FaultFunc func(op Op, table Table) error

// MemoryStore provides in-memory storage for sessions, trials and events.
// It enforces its schema like a real backend: unknown tables and columns
// fail with capability errors.
type MemoryStore struct {
	mu     sync.RWMutex
	schema Schema
	tables map[Table][]Row
	fault  FaultFunc
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store. A nil schema means FullSchema.
func NewMemoryStore(schema Schema) *MemoryStore {
	if schema == nil {
		schema = FullSchema()
	}
	return &MemoryStore{
		schema: schema,
		tables: make(map[Table][]Row),
		now:    time.Now,
	}
}

// SetFault installs (or clears, with nil) a fault hook.
func (s *MemoryStore) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// SetSchema swaps the schema, simulating a migration on a live backend.
func (s *MemoryStore) SetSchema(schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
}

// Rows returns a copy of every row in table, in insertion order.
func (s *MemoryStore) Rows(table Table) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Insert adds a row, failing on a primary or unique key collision.
func (s *MemoryStore) Insert(ctx context.Context, table Table, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, err := s.check(OpInsert, table, row)
	if err != nil {
		return err
	}

	row = s.withDefaults(ts, row)
	for _, key := range s.uniqueKeys(ts) {
		if s.indexOf(table, row.Project(key)) >= 0 {
			return NewError(KindOther, OpInsert, table, fmt.Errorf("duplicate key value violates unique constraint on %v", key))
		}
	}
	s.tables[table] = append(s.tables[table], row)
	return nil
}

// Upsert inserts the row or merges it into the row matching conflict.
func (s *MemoryStore) Upsert(ctx context.Context, table Table, row Row, conflict ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, err := s.check(OpUpsert, table, row)
	if err != nil {
		return err
	}
	if len(conflict) == 0 {
		conflict = ts.Key
	}
	for _, c := range conflict {
		if !ts.Has(c) {
			return MissingColumn(OpUpsert, table, c)
		}
	}

	if i := s.indexOf(table, row.Project(conflict)); i >= 0 {
		existing := s.tables[table][i]
		for k, v := range row.Clone() {
			if k == "id" && existing["id"] != nil && !contains(conflict, "id") {
				continue
			}
			existing[k] = v
		}
		return nil
	}
	s.tables[table] = append(s.tables[table], s.withDefaults(ts, row))
	return nil
}

// Update merges values into every row matching key.
func (s *MemoryStore) Update(ctx context.Context, table Table, key Row, values Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.check(OpUpdate, table, key, values); err != nil {
		return err
	}

	for _, existing := range s.tables[table] {
		if !Matches(existing, Query{Eq: key}) {
			continue
		}
		for k, v := range values.Clone() {
			existing[k] = v
		}
	}
	return nil
}

// Get returns the single row matching key.
func (s *MemoryStore) Get(ctx context.Context, table Table, key Row) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.check(OpGet, table, key); err != nil {
		return nil, err
	}
	i := s.indexOf(table, key)
	if i < 0 {
		return nil, ErrNotFound
	}
	return s.tables[table][i].Clone(), nil
}

// Select returns matching rows in the requested order.
func (s *MemoryStore) Select(ctx context.Context, table Table, q Query) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, err := s.check(OpSelect, table, q.Eq)
	if err != nil {
		return nil, err
	}
	for col := range q.In {
		if !ts.Has(col) {
			return nil, MissingColumn(OpSelect, table, col)
		}
	}
	if q.OrderBy != "" && !ts.Has(q.OrderBy) {
		return nil, MissingColumn(OpSelect, table, q.OrderBy)
	}

	var rows []Row
	for _, r := range s.tables[table] {
		if Matches(r, q) {
			rows = append(rows, r.Clone())
		}
	}
	SortRows(rows, q.OrderBy, q.Desc)
	return rows, nil
}

// check runs the fault hook once and validates table and columns of every
// row. Callers hold mu.
func (s *MemoryStore) check(op Op, table Table, rows ...Row) (*TableSchema, error) {
	if s.fault != nil {
		if err := s.fault(op, table); err != nil {
			return nil, err
		}
	}
	ts, ok := s.schema[table]
	if !ok {
		return nil, MissingRelation(op, table)
	}
	for _, row := range rows {
		for col := range row {
			if !ts.Has(col) {
				return nil, MissingColumn(op, table, col)
			}
		}
	}
	return ts, nil
}

func (s *MemoryStore) withDefaults(ts *TableSchema, row Row) Row {
	row = row.Clone()
	if ts.Has("id") && row["id"] == nil {
		row["id"] = uuid.NewString()
	}
	if ts.Has("created_at") && row["created_at"] == nil {
		row["created_at"] = s.now().UTC()
	}
	return row
}

func (s *MemoryStore) uniqueKeys(ts *TableSchema) [][]string {
	keys := [][]string{ts.Key}
	return append(keys, ts.Unique...)
}

func (s *MemoryStore) indexOf(table Table, key Row) int {
	if len(key) == 0 {
		return -1
	}
	for i, r := range s.tables[table] {
		if Matches(r, Query{Eq: key}) {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
