package cassandra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// keyColumns are the primary-key columns of each table, matching primaryKeys.
var keyColumns = map[storage.Table][]string{
	storage.TableSessions: {"id"},
	storage.TableTrials:   {"session_id", "trial_index"},
	storage.TableEvents:   {"session_id", "id"},
}

// conflictTargets are the upsert targets each layout can honour. Event ids
// are unique on their own, so id alone identifies the row.
var conflictTargets = map[storage.Table][][]string{
	storage.TableSessions: {{"id"}},
	storage.TableTrials:   {{"session_id", "trial_index"}},
	storage.TableEvents:   {{"id"}, {"session_id", "id"}},
}

// Store implements storage.Store using Cassandra.
//
// Writes are upserts by nature; Insert adds IF NOT EXISTS and Update adds
// IF EXISTS so both keep the Store semantics. Equality filters go to the
// server. In filters and ordering are applied to the fetched partition.
type Store struct {
	client  *Client
	logger  *logger.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewStore creates a Store over an open client.
func NewStore(client *Client, log *logger.Logger, timeout time.Duration) *Store {
	return &Store{
		client:  client,
		logger:  log,
		timeout: timeout,
		now:     time.Now,
	}
}

// Insert adds a row; an existing row with the same key is an error.
func (s *Store) Insert(ctx context.Context, table storage.Table, row storage.Row) error {
	cols, args, err := s.columnsAndArgs(table, s.withCreatedAt(table, row))
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpInsert, table, err)
	}
	query := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s) IF NOT EXISTS",
		s.client.Keyspace(), table, strings.Join(cols, ", "), placeholders(len(cols)))

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	applied, err := s.client.Session().Query(query, args...).WithContext(queryCtx).MapScanCAS(map[string]any{})
	if err != nil {
		return s.fail(storage.OpInsert, table, err)
	}
	if !applied {
		return storage.NewError(storage.KindOther, storage.OpInsert, table, errors.New("duplicate key: row already exists"))
	}
	return nil
}

// Upsert writes the row. The conflict columns must be the table's primary
// key, since that is the only identity Cassandra knows.
func (s *Store) Upsert(ctx context.Context, table storage.Table, row storage.Row, conflict ...string) error {
	if len(conflict) > 0 && !isConflictTarget(table, conflict) {
		return storage.NewError(storage.KindOther, storage.OpUpsert, table,
			fmt.Errorf("conflict target (%s) is not the primary key", strings.Join(conflict, ", ")))
	}
	cols, args, err := s.columnsAndArgs(table, row)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpsert, table, err)
	}
	query := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		s.client.Keyspace(), table, strings.Join(cols, ", "), placeholders(len(cols)))

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	if err := s.client.Session().Query(query, args...).WithContext(queryCtx).Exec(); err != nil {
		return s.fail(storage.OpUpsert, table, err)
	}
	return nil
}

// Update merges values into the row matching key. A missing row is left absent.
func (s *Store) Update(ctx context.Context, table storage.Table, key storage.Row, values storage.Row) error {
	cols, args, err := s.columnsAndArgs(table, values)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	where, whereArgs, _, err := s.whereClause(table, key)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	query := fmt.Sprintf("UPDATE %s.%s SET %s%s IF EXISTS",
		s.client.Keyspace(), table, strings.Join(sets, ", "), where)

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	applied, err := s.client.Session().Query(query, append(args, whereArgs...)...).WithContext(queryCtx).MapScanCAS(map[string]any{})
	if err != nil {
		return s.fail(storage.OpUpdate, table, err)
	}
	if !applied {
		s.logger.Debug("Update matched no row", logger.F("table", string(table)))
	}
	return nil
}

// Get returns the row matching key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, table storage.Table, key storage.Row) (storage.Row, error) {
	rows, err := s.fetch(ctx, storage.OpGet, table, key, " LIMIT 1")
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
	rows, err := s.fetch(ctx, storage.OpSelect, table, q.Eq, "")
	if err != nil {
		return nil, err
	}
	if len(q.In) > 0 {
		filtered := rows[:0]
		for _, row := range rows {
			if storage.Matches(row, storage.Query{In: q.In}) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if q.OrderBy != "" {
		storage.SortRows(rows, q.OrderBy, q.Desc)
	}
	return rows, nil
}

func (s *Store) fetch(ctx context.Context, op storage.Op, table storage.Table, eq storage.Row, suffix string) ([]storage.Row, error) {
	where, args, filtering, err := s.whereClause(table, eq)
	if err != nil {
		return nil, storage.NewError(storage.KindOther, op, table, err)
	}
	if filtering {
		suffix += " ALLOW FILTERING"
	}
	query := fmt.Sprintf("SELECT * FROM %s.%s%s%s", s.client.Keyspace(), table, where, suffix)

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	iter := s.client.Session().Query(query, args...).WithContext(queryCtx).Iter()
	columns := iter.Columns()

	var rows []storage.Row
	for {
		dests := scanDestinations(table, columns)
		if !iter.Scan(dests...) {
			break
		}
		row, err := rowFromScan(table, columns, dests)
		if err != nil {
			iter.Close()
			return nil, storage.NewError(storage.KindOther, op, table, err)
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, s.fail(op, table, err)
	}
	return rows, nil
}

// queryContext applies the configured timeout when ctx has no deadline.
func (s *Store) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) fail(op storage.Op, table storage.Table, err error) error {
	classified := classify(op, table, err)
	s.logger.Debug("Cassandra query failed",
		logger.F("op", string(op)),
		logger.F("table", string(table)),
		logger.F("kind", classified.Kind.String()),
		logger.Err(err))
	return classified
}

// withCreatedAt stamps new rows the way a column default would.
func (s *Store) withCreatedAt(table storage.Table, row storage.Row) storage.Row {
	if row["created_at"] != nil || storage.ColumnKindOf(table, "created_at") != storage.ColTime {
		return row
	}
	out := row.Clone()
	out["created_at"] = s.now().UTC()
	return out
}

func (s *Store) whereClause(table storage.Table, eq storage.Row) (string, []any, bool, error) {
	if len(eq) == 0 {
		return "", nil, false, nil
	}
	cols := sortedKeys(eq)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	filtering := false
	for i, c := range cols {
		if !identRe.MatchString(c) {
			return "", nil, false, fmt.Errorf("invalid column name %q", c)
		}
		v, err := encode(table, c, eq[c])
		if err != nil {
			return "", nil, false, err
		}
		conds[i] = c + " = ?"
		args[i] = v
		if !contains(keyColumns[table], c) {
			filtering = true
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, filtering, nil
}

func (s *Store) columnsAndArgs(table storage.Table, row storage.Row) ([]string, []any, error) {
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

func encode(table storage.Table, column string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if storage.ColumnKindOf(table, column) == storage.ColJSON {
		return storage.EncodeJSON(v)
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	return v, nil
}

// scanDestinations allocates nullable scan targets so NULL columns come back
// as nil instead of zero values.
func scanDestinations(table storage.Table, columns []gocql.ColumnInfo) []any {
	dests := make([]any, len(columns))
	for i, col := range columns {
		switch storage.ColumnKindOf(table, col.Name) {
		case storage.ColInt:
			dests[i] = new(*int64)
		case storage.ColFloat:
			dests[i] = new(*float64)
		case storage.ColBool:
			dests[i] = new(*bool)
		case storage.ColTime:
			dests[i] = new(*time.Time)
		default:
			dests[i] = new(*string)
		}
	}
	return dests
}

func rowFromScan(table storage.Table, columns []gocql.ColumnInfo, dests []any) (storage.Row, error) {
	row := make(storage.Row, len(columns))
	for i, col := range columns {
		var v any
		switch d := dests[i].(type) {
		case **int64:
			if *d != nil {
				v = **d
			}
		case **float64:
			if *d != nil {
				v = **d
			}
		case **bool:
			if *d != nil {
				v = **d
			}
		case **time.Time:
			if *d != nil && !(*d).IsZero() {
				v = (*d).UTC()
			}
		case **string:
			if *d == nil {
				break
			}
			if storage.ColumnKindOf(table, col.Name) != storage.ColJSON {
				v = **d
				break
			}
			m, err := storage.DecodeJSONObject([]byte(**d))
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", col.Name, err)
			}
			if m != nil {
				v = m
			}
		}
		row[col.Name] = v
	}
	return row, nil
}

// classify maps gocql failures onto the storage error kinds.
func classify(op storage.Op, table storage.Table, err error) *storage.Error {
	var netErr net.Error
	var unavailable *gocql.RequestErrUnavailable
	var writeTimeout *gocql.RequestErrWriteTimeout
	var readTimeout *gocql.RequestErrReadTimeout
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, gocql.ErrNoConnections), errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrConnectionClosed), errors.Is(err, gocql.ErrSessionClosed),
		errors.As(err, &netErr), errors.As(err, &unavailable),
		errors.As(err, &writeTimeout), errors.As(err, &readTimeout):
		return storage.NewError(storage.KindNetwork, op, table, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unconfigured table"):
		return storage.NewError(storage.KindCapability, op, table, fmt.Errorf("relation %q does not exist: %w", string(table), err))
	case strings.Contains(msg, "undefined column"), strings.Contains(msg, "undefined name"):
		return storage.NewError(storage.KindCapability, op, table, fmt.Errorf("column does not exist: %w", err))
	default:
		return storage.NewError(storage.KindOther, op, table, err)
	}
}

func isConflictTarget(table storage.Table, conflict []string) bool {
	targets, ok := conflictTargets[table]
	if !ok {
		return true
	}
	for _, target := range targets {
		if sameSet(target, conflict) {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range b {
		if !contains(a, v) {
			return false
		}
	}
	return true
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
