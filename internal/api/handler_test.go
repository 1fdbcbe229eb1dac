package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasticity/resultsync/internal/identity"
	"github.com/plasticity/resultsync/internal/queue"
	"github.com/plasticity/resultsync/internal/results"
	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

const testUserID = "0b7e3a52-5d1f-4a8e-b6c9-2f3e4d5a6b7c"

type stubTimer struct{}

func (stubTimer) Stop() bool { return true }

func newTestServer(t *testing.T) (http.Handler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(nil)
	svc := results.NewService(store, identity.FromContext{}, logger.NewNop(), results.Options{
		Backoff: queue.Options{
			AfterFunc: func(time.Duration, func()) queue.Timer { return stubTimer{} },
		},
	})
	t.Cleanup(svc.Close)
	return NewHandler(svc, logger.NewNop()).Router(10 * time.Second), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(UserIDHeader, testUserID)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/sessions", map[string]any{"gameId": "n-back", "difficultyStart": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[results.CreateResult](t, w).ID
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["minimalSchema"])
	assert.Equal(t, true, body["trialTable"])
}

func TestHandler_CreateSession(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name           string
		body           any
		userID         string
		expectedStatus int
	}{
		{name: "valid request", body: map[string]any{"gameId": "n-back"}, userID: testUserID, expectedStatus: http.StatusCreated},
		{name: "missing game id", body: map[string]any{"difficultyStart": 1}, userID: testUserID, expectedStatus: http.StatusBadRequest},
		{name: "malformed body", body: "{not json", userID: testUserID, expectedStatus: http.StatusBadRequest},
		{name: "no identity", body: map[string]any{"gameId": "n-back"}, expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if s, ok := tt.body.(string); ok {
				buf.WriteString(s)
			} else {
				require.NoError(t, json.NewEncoder(&buf).Encode(tt.body))
			}
			req := httptest.NewRequest(http.MethodPost, "/sessions", &buf)
			if tt.userID != "" {
				req.Header.Set(UserIDHeader, tt.userID)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if w.Code == http.StatusCreated {
				created := decode[results.CreateResult](t, w)
				assert.NotEmpty(t, created.ID)
				assert.Equal(t, testUserID, created.UserID)
				return
			}
			resp := decode[ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	h, _ := newTestServer(t)
	id := createSession(t, h)

	for i := range 3 {
		w := do(t, h, http.MethodPost, "/sessions/"+id+"/trials", AppendTrialRequest{
			Index:     i,
			TrialData: map[string]any{"stimulus": i},
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w := do(t, h, http.MethodPost, "/sessions/"+id+"/trials", map[string]any{
		"index": 3, "trialData": map[string]any{}, "score": map[string]any{"accuracy": 1.5},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/sessions/"+id+"/finalize", map[string]any{
		"difficultyEnd": 3,
		"summary":       map[string]any{"accuracyAvg": 0.5, "timeAvgMs": 400, "errorsTotal": 1, "scoreTotal": 30},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	payload := decode[map[string]any](t, w)
	assert.Equal(t, id, payload["sessionId"])
	assert.Len(t, payload["trials"], 3)

	w = do(t, h, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[results.SessionWithTrials](t, w)
	assert.True(t, view.Session.Completed)
	require.Len(t, view.Trials, 3)
	assert.Equal(t, 2, view.Trials[2].Index)
	assert.False(t, view.Pending)
}

func TestHandler_NotFound(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/sessions/6f1c2a4e-8b3d-4c5e-9f7a-1b2c3d4e5f60", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/sessions/6f1c2a4e-8b3d-4c5e-9f7a-1b2c3d4e5f60/finalize", map[string]any{
		"summary": map[string]any{"accuracyAvg": 1},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SelfTest(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodPost, "/selftest", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[results.SelfTestResult](t, w)
	assert.NotEmpty(t, out.SessionID)
	assert.Len(t, out.Trials, 1)
}

func TestHandler_PendingAndFlush(t *testing.T) {
	h, store := newTestServer(t)
	id := createSession(t, h)

	store.SetFault(func(op storage.Op, table storage.Table) error {
		return storage.NewError(storage.KindNetwork, op, table, errors.New("failed to fetch"))
	})
	w := do(t, h, http.MethodPost, "/sessions/"+id+"/trials", AppendTrialRequest{Index: 0, TrialData: map[string]any{}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/sync/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[PendingResponse](t, w)
	require.Equal(t, 1, pending.Pending)
	assert.Equal(t, queue.KindTrial, pending.Actions[0].Kind)

	w = do(t, h, http.MethodPost, "/sync/flush", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, FlushResponse{Drained: false, Pending: 1}, decode[FlushResponse](t, w))

	store.SetFault(nil)
	w = do(t, h, http.MethodPost, "/sync/flush", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, FlushResponse{Drained: true, Pending: 0}, decode[FlushResponse](t, w))

	w = do(t, h, http.MethodPost, "/sync/online", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandler_ServerErrorCarriesHint(t *testing.T) {
	h, store := newTestServer(t)
	store.SetFault(func(op storage.Op, table storage.Table) error {
		return storage.NewError(storage.KindOther, op, table, errors.New("permission denied for table game_sessions"))
	})

	w := do(t, h, http.MethodPost, "/sessions", map[string]any{"gameId": "n-back"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "failed to create session", resp.Error)
	assert.Contains(t, resp.Message, "auth.uid()")
}
