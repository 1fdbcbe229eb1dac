// Package sqlite is a Store backed by a local SQLite database, for
// single-node deployments and development.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store implements storage.Store over SQLite.
type Store struct {
	db     *sql.DB
	schema storage.Schema
	log    *logger.Logger
}

// Open creates or opens the database at path and creates the tables of
// schema that are missing. A nil schema means storage.FullSchema.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - a 5-second busy timeout for lock contention
//   - a single connection, since SQLite allows one writer
func Open(path string, schema storage.Schema, log *logger.Logger) (*Store, error) {
	if schema == nil {
		schema = storage.FullSchema()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, schema: schema, log: log}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("SQLite store ready", logger.F("path", path), logger.F("tables", len(schema)))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) createTables() error {
	names := make([]string, 0, len(s.schema))
	for name := range s.schema {
		names = append(names, string(name))
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := s.db.Exec(createTableSQL(s.schema[storage.Table(name)])); err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	return nil
}

func createTableSQL(t *storage.TableSchema) string {
	defs := make([]string, 0, len(t.Columns)+1+len(t.Unique))
	for _, c := range t.Columns {
		def := c.Name + " " + sqlType(c.Kind)
		if c.Name == "created_at" {
			def += " DEFAULT (strftime('%Y-%m-%dT%H:%M:%f000000Z', 'now'))"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(t.Key, ", ")+")")
	for _, u := range t.Unique {
		defs = append(defs, "UNIQUE ("+strings.Join(u, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(defs, ",\n\t"))
}

func sqlType(k storage.ColumnKind) string {
	switch k {
	case storage.ColInt, storage.ColBool:
		return "INTEGER"
	case storage.ColFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Insert adds a row.
func (s *Store) Insert(ctx context.Context, table storage.Table, row storage.Row) error {
	cols, args, err := columnsAndArgs(table, row)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpInsert, table, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(storage.OpInsert, table, err)
	}
	return nil
}

// Upsert inserts the row or updates the row matching conflict. The id of an
// existing row is kept unless id is itself the conflict target.
func (s *Store) Upsert(ctx context.Context, table storage.Table, row storage.Row, conflict ...string) error {
	if len(conflict) == 0 {
		conflict = []string{"id"}
	}
	cols, args, err := columnsAndArgs(table, row)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpsert, table, err)
	}
	for _, c := range conflict {
		if !identRe.MatchString(c) {
			return storage.NewError(storage.KindOther, storage.OpUpsert, table, fmt.Errorf("invalid column name %q", c))
		}
	}

	var sets []string
	for _, c := range cols {
		if contains(conflict, c) || c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(conflict, ", "), action)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(storage.OpUpsert, table, err)
	}
	return nil
}

// Update merges values into the rows matching key.
func (s *Store) Update(ctx context.Context, table storage.Table, key storage.Row, values storage.Row) error {
	cols, args, err := columnsAndArgs(table, values)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	where, whereArgs, err := whereClause(table, storage.Query{Eq: key})
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}

	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	if _, err := s.db.ExecContext(ctx, query, append(args, whereArgs...)...); err != nil {
		return classify(storage.OpUpdate, table, err)
	}
	return nil
}

// Get returns the row matching key.
func (s *Store) Get(ctx context.Context, table storage.Table, key storage.Row) (storage.Row, error) {
	rows, err := s.query(ctx, storage.OpGet, table, storage.Query{Eq: key}, " LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return rows[0], nil
}

// Select returns the rows matching q.
func (s *Store) Select(ctx context.Context, table storage.Table, q storage.Query) ([]storage.Row, error) {
	return s.query(ctx, storage.OpSelect, table, q, "")
}

func (s *Store) query(ctx context.Context, op storage.Op, table storage.Table, q storage.Query, suffix string) ([]storage.Row, error) {
	where, args, err := whereClause(table, q)
	if err != nil {
		return nil, storage.NewError(storage.KindOther, op, table, err)
	}
	order := ""
	if q.OrderBy != "" {
		if !identRe.MatchString(q.OrderBy) {
			return nil, storage.NewError(storage.KindOther, op, table, fmt.Errorf("invalid column name %q", q.OrderBy))
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		order = fmt.Sprintf(" ORDER BY %s %s", q.OrderBy, dir)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s%s%s%s", table, where, order, suffix), args...)
	if err != nil {
		return nil, classify(op, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(op, table, err)
	}
	var out []storage.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(op, table, err)
		}
		row := make(storage.Row, len(cols))
		for i, c := range cols {
			v, err := decode(table, c, values[i])
			if err != nil {
				return nil, storage.NewError(storage.KindOther, op, table, fmt.Errorf("decode %s: %w", c, err))
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, table, err)
	}
	return out, nil
}

func whereClause(table storage.Table, q storage.Query) (string, []any, error) {
	var conds []string
	var args []any

	eqCols := sortedKeys(q.Eq)
	for _, c := range eqCols {
		if !identRe.MatchString(c) {
			return "", nil, fmt.Errorf("invalid column name %q", c)
		}
		v, err := encode(table, c, q.Eq[c])
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, c+" = ?")
		args = append(args, v)
	}

	inCols := make([]string, 0, len(q.In))
	for c := range q.In {
		inCols = append(inCols, c)
	}
	sort.Strings(inCols)
	for _, c := range inCols {
		if !identRe.MatchString(c) {
			return "", nil, fmt.Errorf("invalid column name %q", c)
		}
		options := q.In[c]
		if len(options) == 0 {
			conds = append(conds, "0")
			continue
		}
		for _, o := range options {
			v, err := encode(table, c, o)
			if err != nil {
				return "", nil, err
			}
			args = append(args, v)
		}
		conds = append(conds, fmt.Sprintf("%s IN (%s)", c, placeholders(len(options))))
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func columnsAndArgs(table storage.Table, row storage.Row) ([]string, []any, error) {
	if len(row) == 0 {
		return nil, nil, errors.New("no columns")
	}
	cols := sortedKeys(row)
	args := make([]any, len(cols))
	for i, c := range cols {
		if !identRe.MatchString(c) {
			return nil, nil, fmt.Errorf("invalid column name %q", c)
		}
		v, err := encode(table, c, row[c])
		if err != nil {
			return nil, nil, err
		}
		args[i] = v
	}
	return cols, args, nil
}

// timeLayout is fixed width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encode(table storage.Table, column string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if storage.ColumnKindOf(table, column) == storage.ColJSON {
		return storage.EncodeJSON(v)
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(timeLayout), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(timeLayout), nil
	default:
		return v, nil
	}
}

func decode(table storage.Table, column string, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	switch storage.ColumnKindOf(table, column) {
	case storage.ColJSON:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		m, err := storage.DecodeJSONObject([]byte(s))
		if err != nil || m == nil {
			return nil, err
		}
		return m, nil
	case storage.ColTime:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	case storage.ColBool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

// classify maps SQLite failures onto the storage error kinds.
func classify(op storage.Op, table storage.Table, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.NewError(storage.KindNetwork, op, table, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return storage.NewError(storage.KindCapability, op, table, fmt.Errorf("relation %q does not exist: %w", string(table), err))
	case strings.Contains(msg, "has no column named"), strings.Contains(msg, "no such column"):
		return storage.NewError(storage.KindCapability, op, table, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return storage.NewError(storage.KindNetwork, op, table, err)
	default:
		return storage.NewError(storage.KindOther, op, table, err)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortedKeys(row storage.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
