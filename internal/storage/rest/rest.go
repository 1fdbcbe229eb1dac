// Package rest is a Store over a PostgREST endpoint, the HTTP interface
// hosted Postgres backends expose for their tables.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgREST and Postgres codes for a table or column the schema lacks.
var capabilityCodes = map[string]bool{
	"42P01":    true, // undefined_table
	"42703":    true, // undefined_column
	"PGRST204": true, // column not in schema cache
	"PGRST205": true, // table not in schema cache
}

// Options configures a Store.
type Options struct {
	// URL is the REST root, e.g. https://project.supabase.co/rest/v1.
	URL string
	// Key is sent as the apikey header and, unless Token is set, as the bearer token.
	Key string
	// Token returns the caller's access token for the Authorization header.
	Token   func(ctx context.Context) (string, error)
	Timeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Store implements storage.Store against PostgREST.
type Store struct {
	baseURL    string
	key        string
	token      func(ctx context.Context) (string, error)
	httpClient *http.Client
	log        *logger.Logger
}

// APIError is the error body PostgREST returns.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s, status %d)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.Status)
}

// New creates a Store for the endpoint in opts.
func New(opts Options, log *logger.Logger) (*Store, error) {
	if opts.URL == "" {
		return nil, errors.New("rest store: URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("rest store: invalid URL: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Store{
		baseURL:    strings.TrimRight(opts.URL, "/"),
		key:        opts.Key,
		token:      opts.Token,
		httpClient: client,
		log:        log,
	}, nil
}

// Insert adds a row.
func (s *Store) Insert(ctx context.Context, table storage.Table, row storage.Row) error {
	body, err := encodeBody(table, []storage.Row{row})
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpInsert, table, err)
	}
	_, err = s.do(ctx, storage.OpInsert, table, http.MethodPost, url.Values{}, body, "return=minimal")
	return err
}

// Upsert inserts the row or merges it into the row matching conflict.
func (s *Store) Upsert(ctx context.Context, table storage.Table, row storage.Row, conflict ...string) error {
	body, err := encodeBody(table, []storage.Row{row})
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpsert, table, err)
	}
	params := url.Values{}
	if len(conflict) > 0 {
		for _, c := range conflict {
			if !identRe.MatchString(c) {
				return storage.NewError(storage.KindOther, storage.OpUpsert, table, fmt.Errorf("invalid column name %q", c))
			}
		}
		params.Set("on_conflict", strings.Join(conflict, ","))
	}
	_, err = s.do(ctx, storage.OpUpsert, table, http.MethodPost, params, body, "resolution=merge-duplicates,return=minimal")
	return err
}

// Update merges values into the rows matching key.
func (s *Store) Update(ctx context.Context, table storage.Table, key storage.Row, values storage.Row) error {
	encoded, err := encodeRow(table, values)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	params, err := filterParams(storage.Query{Eq: key})
	if err != nil {
		return storage.NewError(storage.KindOther, storage.OpUpdate, table, err)
	}
	_, err = s.do(ctx, storage.OpUpdate, table, http.MethodPatch, params, body, "return=minimal")
	return err
}

// Get returns the row matching key.
func (s *Store) Get(ctx context.Context, table storage.Table, key storage.Row) (storage.Row, error) {
	params, err := filterParams(storage.Query{Eq: key})
	if err != nil {
		return nil, storage.NewError(storage.KindOther, storage.OpGet, table, err)
	}
	params.Set("limit", "1")
	rows, err := s.fetch(ctx, storage.OpGet, table, params)
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
	params, err := filterParams(q)
	if err != nil {
		return nil, storage.NewError(storage.KindOther, storage.OpSelect, table, err)
	}
	if q.OrderBy != "" {
		if !identRe.MatchString(q.OrderBy) {
			return nil, storage.NewError(storage.KindOther, storage.OpSelect, table, fmt.Errorf("invalid column name %q", q.OrderBy))
		}
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	return s.fetch(ctx, storage.OpSelect, table, params)
}

func (s *Store) fetch(ctx context.Context, op storage.Op, table storage.Table, params url.Values) ([]storage.Row, error) {
	params.Set("select", "*")
	data, err := s.do(ctx, op, table, http.MethodGet, params, nil, "")
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, storage.NewError(storage.KindOther, op, table, fmt.Errorf("failed to decode response: %w", err))
	}
	rows := make([]storage.Row, len(raw))
	for i, r := range raw {
		rows[i] = decodeRow(table, r)
	}
	return rows, nil
}

func (s *Store) do(ctx context.Context, op storage.Op, table storage.Table, method string, params url.Values, body []byte, prefer string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/%s", s.baseURL, table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, storage.NewError(storage.KindOther, op, table, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if s.key != "" {
		req.Header.Set("apikey", s.key)
	}
	bearer := s.key
	if s.token != nil {
		if bearer, err = s.token(ctx); err != nil {
			return nil, storage.NewError(storage.KindNetwork, op, table, fmt.Errorf("auth session missing: %w", err))
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, storage.NewError(classifyTransport(err), op, table, fmt.Errorf("failed to fetch: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storage.NewError(storage.KindNetwork, op, table, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	classified := storage.NewError(classifyStatus(apiErr), op, table, apiErr)
	s.log.Debug("REST request failed",
		logger.F("method", method),
		logger.F("table", string(table)),
		logger.F("status", resp.StatusCode),
		logger.F("kind", classified.Kind.String()),
	)
	return nil, classified
}

func classifyTransport(err error) storage.Kind {
	var netErr net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return storage.KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return storage.KindNetwork
	}
	return storage.KindOther
}

func classifyStatus(e *APIError) storage.Kind {
	if capabilityCodes[e.Code] {
		return storage.KindCapability
	}
	switch e.Status {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return storage.KindNetwork
	}
	return storage.KindOther
}

func filterParams(q storage.Query) (url.Values, error) {
	params := url.Values{}
	for _, c := range sortedKeys(q.Eq) {
		if !identRe.MatchString(c) {
			return nil, fmt.Errorf("invalid column name %q", c)
		}
		params.Set(c, "eq."+literal(q.Eq[c]))
	}

	inCols := make([]string, 0, len(q.In))
	for c := range q.In {
		inCols = append(inCols, c)
	}
	sort.Strings(inCols)
	for _, c := range inCols {
		if !identRe.MatchString(c) {
			return nil, fmt.Errorf("invalid column name %q", c)
		}
		items := make([]string, len(q.In[c]))
		for i, v := range q.In[c] {
			items[i] = quote(literal(v))
		}
		params.Set(c, "in.("+strings.Join(items, ",")+")")
	}
	return params, nil
}

func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

// quote wraps an in-list item so reserved characters survive.
func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

func encodeBody(table storage.Table, rows []storage.Row) ([]byte, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		encoded, err := encodeRow(table, row)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return json.Marshal(out)
}

func encodeRow(table storage.Table, row storage.Row) (map[string]any, error) {
	if len(row) == 0 {
		return nil, errors.New("no columns")
	}
	out := make(map[string]any, len(row))
	for c, v := range row {
		if !identRe.MatchString(c) {
			return nil, fmt.Errorf("invalid column name %q", c)
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		out[c] = v
	}
	return out, nil
}

// decodeRow converts JSON values to the Row conventions: timestamps as
// time.Time and integers as int64.
func decodeRow(table storage.Table, raw map[string]any) storage.Row {
	row := make(storage.Row, len(raw))
	for c, v := range raw {
		switch storage.ColumnKindOf(table, c) {
		case storage.ColTime:
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					v = t.UTC()
				}
			}
		case storage.ColInt:
			if f, ok := v.(float64); ok {
				v = int64(f)
			}
		}
		row[c] = v
	}
	return row
}

func sortedKeys(row storage.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
