package results

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasticity/resultsync/internal/fallback"
	"github.com/plasticity/resultsync/internal/identity"
	"github.com/plasticity/resultsync/internal/models"
	"github.com/plasticity/resultsync/internal/queue"
	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

const testUserID = "0b7e3a52-5d1f-4a8e-b6c9-2f3e4d5a6b7c"

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type stubTimer struct{}

func (stubTimer) Stop() bool { return true }

type harness struct {
	svc    *Service
	store  *storage.MemoryStore
	queued *queue.MemoryStorage

	mu  sync.Mutex
	now time.Time
	ops []string
}

func newHarness(t *testing.T, schema storage.Schema, resolver identity.Resolver) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(schema),
		queued: queue.NewMemoryStorage(),
		now:    t0,
	}
	if resolver == nil {
		resolver = identity.Static(testUserID)
	}
	h.svc = NewService(h.store, resolver, logger.NewNop(), Options{
		Queue: h.queued,
		Backoff: queue.Options{
			AfterFunc: func(time.Duration, func()) queue.Timer { return stubTimer{} },
		},
		Now: h.clock,
	})
	h.failWith(nil)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// failWith records every store call and lets fail decide its outcome.
func (h *harness) failWith(fail func(op storage.Op, table storage.Table) error) {
	h.store.SetFault(func(op storage.Op, table storage.Table) error {
		h.mu.Lock()
		h.ops = append(h.ops, string(op)+" "+string(table))
		h.mu.Unlock()
		if fail == nil {
			return nil
		}
		return fail(op, table)
	})
}

func (h *harness) count(op storage.Op, table storage.Table) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	want := string(op) + " " + string(table)
	n := 0
	for _, o := range h.ops {
		if o == want {
			n++
		}
	}
	return n
}

func offlineOn(op storage.Op, table storage.Table) func(storage.Op, storage.Table) error {
	return func(o storage.Op, tb storage.Table) error {
		if o == op && tb == table {
			return storage.NewError(storage.KindNetwork, o, tb, errors.New("TypeError: Failed to fetch"))
		}
		return nil
	}
}

func perfectScore() models.StandardScore {
	return models.StandardScore{Accuracy: 1, TimeMs: 450, Errors: 0, ScoreTotal: 1200, Extras: map[string]any{}}
}

func perfectSummary() models.ResultSummary {
	return models.ResultSummary{AccuracyAvg: 1, TimeAvgMs: 450, ErrorsTotal: 0, ScoreTotal: 1200}
}

func TestCreateSession_Idempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	id := uuid.NewString()

	params := models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2), SessionID: id, IdempotencyKey: "key-1"}
	first, err := h.svc.CreateSession(ctx, params)
	require.NoError(t, err)
	second, err := h.svc.CreateSession(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, id, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, first.Queued)

	rows := h.store.Rows(storage.TableSessions)
	require.Len(t, rows, 1)
	assert.Equal(t, testUserID, rows[0].String("user_id"))
	assert.Equal(t, "key-1", rows[0].Map("metadata")["idempotencyKey"])
	assert.False(t, rows[0].Bool("completed"))
}

func TestCreateSession_AfterFinalizeKeepsTerminalState(t *testing.T) {
	for _, tt := range []struct {
		name   string
		schema storage.Schema
	}{
		{name: "full schema", schema: nil},
		{name: "legacy schema", schema: storage.LegacySchema()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.schema, nil)
			ctx := context.Background()
			params := models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2), SessionID: uuid.NewString()}

			created, err := h.svc.CreateSession(ctx, params)
			require.NoError(t, err)
			h.advance(time.Minute)
			_, err = h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{
				SessionID:     created.ID,
				DifficultyEnd: models.Float(3),
				Summary:       perfectSummary(),
			})
			require.NoError(t, err)

			h.advance(time.Minute)
			again, err := h.svc.CreateSession(ctx, params)
			require.NoError(t, err)
			assert.Equal(t, created.ID, again.ID)
			assert.Equal(t, t0, again.StartedAt, "the stored start wins over the retry clock")

			rows := h.store.Rows(storage.TableSessions)
			require.Len(t, rows, 1)
			assert.True(t, rows[0].Bool("completed"))
			_, ok := rows[0].Time("finished_at")
			assert.True(t, ok)

			view, err := h.svc.GetSessionWithTrials(ctx, created.ID)
			require.NoError(t, err)
			require.NotNil(t, view.Session.Summary)
			assert.Equal(t, perfectSummary(), *view.Session.Summary)
			require.NotNil(t, view.Session.DurationMs)
			assert.Equal(t, int64(60000), *view.Session.DurationMs)
		})
	}
}

func TestCreateSession_Defaults(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.svc.CreateSession(context.Background(), models.CreateSessionParams{
		GameID:   "stroop",
		Metadata: map[string]any{"source": "menu"},
	})
	require.NoError(t, err)

	_, err = uuid.Parse(res.ID)
	assert.NoError(t, err)
	assert.Equal(t, t0, res.StartedAt)
	assert.Equal(t, testUserID, res.UserID)

	row := h.store.Rows(storage.TableSessions)[0]
	assert.Equal(t, map[string]any{"source": "menu"}, row.Map("extra"))
	assert.Equal(t, map[string]any{"source": "menu", "idempotencyKey": res.ID}, row.Map("metadata"))
}

func TestCreateSession_RequiresGameID(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.svc.CreateSession(context.Background(), models.CreateSessionParams{})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestCreateSession_QueuesOnNetworkFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.failWith(offlineOn(storage.OpUpsert, storage.TableSessions))
	ctx := context.Background()

	res, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2)})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, h.store.Rows(storage.TableSessions))

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	a := pending[0]
	assert.Equal(t, queue.KindCreate, a.Kind)
	assert.Equal(t, res.ID, a.Create.SessionID)
	assert.Equal(t, res.ID, a.Create.IdempotencyKey)
	assert.Equal(t, testUserID, a.Create.UserID)
	assert.Equal(t, "n-back", a.Create.GameID)
	assert.Equal(t, res.StartedAt, a.Create.StartedAt)
}

func TestCreateSession_OtherErrorsPropagate(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.failWith(func(storage.Op, storage.Table) error {
		return errors.New("new row violates row-level security policy")
	})

	_, err := h.svc.CreateSession(context.Background(), models.CreateSessionParams{GameID: "n-back"})
	require.Error(t, err)

	pending, _ := h.svc.Pending(context.Background())
	assert.Empty(t, pending)
	assert.False(t, h.svc.MinimalSchema())
}

func TestCapabilityDowngrade_IsSticky(t *testing.T) {
	h := newHarness(t, storage.LegacySchema(), nil)
	ctx := context.Background()

	first, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2)})
	require.NoError(t, err)
	assert.True(t, h.svc.MinimalSchema())
	assert.Equal(t, 2, h.count(storage.OpUpsert, storage.TableSessions), "rich attempt then minimal retry")

	_, err = h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.count(storage.OpUpsert, storage.TableSessions), "no rich attempt once downgraded")

	require.NoError(t, h.svc.AppendTrial(ctx, first.ID, 0, map[string]any{"stimulus": "A"}, perfectScore()))
	assert.False(t, h.svc.TrialTableAvailable())

	h.advance(time.Minute)
	payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{
		SessionID:     first.ID,
		DifficultyEnd: models.Float(3),
		Summary:       perfectSummary(),
		AppVersion:    models.String("1.4.0"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60000), payload.DurationMs)
	require.Len(t, payload.Trials, 1)
	assert.Equal(t, 1, h.count(storage.OpUpdate, storage.TableSessions), "minimal update only")

	view, err := h.svc.GetSessionWithTrials(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, view.Session.Completed)
	require.NotNil(t, view.Session.Summary)
	assert.Equal(t, perfectSummary(), *view.Session.Summary)
	require.NotNil(t, view.Session.DifficultyEnd)
	assert.Equal(t, 3.0, *view.Session.DifficultyEnd)
	require.NotNil(t, view.Session.DurationMs)
	assert.Equal(t, int64(60000), *view.Session.DurationMs)
	assert.Equal(t, "1.4.0", *view.Session.AppVersion)
	assert.Len(t, view.Trials, 1)
}

func TestCapabilityDowngrade_RetryFailurePropagates(t *testing.T) {
	h := newHarness(t, nil, nil)
	attempts := 0
	h.failWith(func(op storage.Op, table storage.Table) error {
		if table != storage.TableSessions || op != storage.OpUpsert {
			return nil
		}
		attempts++
		if attempts == 1 {
			return storage.MissingColumn(op, table, "summary")
		}
		return storage.NewError(storage.KindNetwork, op, table, errors.New("connection reset by peer"))
	})

	_, err := h.svc.CreateSession(context.Background(), models.CreateSessionParams{GameID: "n-back"})
	require.Error(t, err)
	assert.True(t, fallback.IsNetwork(err))
	assert.True(t, h.svc.MinimalSchema())

	pending, _ := h.svc.Pending(context.Background())
	assert.Empty(t, pending, "the in-band retry is not queued")
}

func TestFinalize_CapabilityFailureFallsBackToMinimalUpdate(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", Metadata: map[string]any{"source": "menu"}})
	require.NoError(t, err)

	h.store.SetSchema(storage.Schema{
		storage.TableSessions: storage.LegacySchema()[storage.TableSessions],
		storage.TableTrials:   storage.FullSchema()[storage.TableTrials],
		storage.TableEvents:   storage.FullSchema()[storage.TableEvents],
	})

	_, err = h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{SessionID: created.ID, Summary: perfectSummary()})
	require.NoError(t, err)
	assert.True(t, h.svc.MinimalSchema())
	assert.Equal(t, 2, h.count(storage.OpUpdate, storage.TableSessions))

	extra := h.store.Rows(storage.TableSessions)[0].Map("extra")
	assert.Equal(t, "menu", extra["source"], "prior extras survive")
	assert.Contains(t, extra, "summary")
	assert.Contains(t, extra, "durationMs")
}

func TestAppendTrial_LastWriteWins(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 3, map[string]any{"answer": "A"}, perfectScore()))
	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 3, map[string]any{"answer": "B"}, perfectScore()))

	trials := h.store.Rows(storage.TableTrials)
	require.Len(t, trials, 1)
	assert.Equal(t, "B", trials[0].Map("trial_data")["answer"])

	events := h.store.Rows(storage.TableEvents)
	require.Len(t, events, 1, "mirror events converge too")
	assert.Equal(t, "trial", events[0].String("event_type"))
}

func TestAppendTrial_Validation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		index int
		score models.StandardScore
	}{
		{name: "negative index", index: -1, score: perfectScore()},
		{name: "accuracy out of range", index: 0, score: models.StandardScore{Accuracy: 1.2}},
		{name: "negative time", index: 0, score: models.StandardScore{Accuracy: 0.5, TimeMs: -1}},
		{name: "negative errors", index: 0, score: models.StandardScore{Accuracy: 0.5, Errors: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.AppendTrial(ctx, uuid.NewString(), tt.index, map[string]any{}, tt.score)
			var verr *models.ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
	assert.Empty(t, h.store.Rows(storage.TableTrials))
}

func TestAppendTrial_NormalizesExtras(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 0, map[string]any{}, models.StandardScore{Accuracy: 0.5, TimeMs: 800}))
	score := h.store.Rows(storage.TableTrials)[0].Map("score")
	assert.Equal(t, map[string]any{}, score["extras"])
}

func TestAppendTrial_QueuesOnNetworkFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	h.failWith(offlineOn(storage.OpUpsert, storage.TableTrials))
	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 0, map[string]any{}, perfectScore()))

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.KindTrial, pending[0].Kind)
	assert.Empty(t, h.store.Rows(storage.TableEvents), "nothing is mirrored before the trial commits")
}

func TestAppendTrial_MirrorFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	h.failWith(func(op storage.Op, table storage.Table) error {
		if table == storage.TableEvents {
			return errors.New("permission denied for table game_events")
		}
		return nil
	})
	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 0, map[string]any{}, perfectScore()))
	assert.Len(t, h.store.Rows(storage.TableTrials), 1)
}

func TestAppendTrial_EventOnlyMode(t *testing.T) {
	h := newHarness(t, storage.LegacySchema(), nil)
	ctx := context.Background()
	sessionID := uuid.NewString()

	require.NoError(t, h.svc.AppendTrial(ctx, sessionID, 0, map[string]any{"n": 1.0}, perfectScore()))
	assert.False(t, h.svc.TrialTableAvailable())
	require.Len(t, h.store.Rows(storage.TableEvents), 1)

	// Network failures on the event log are still queued.
	h.failWith(offlineOn(storage.OpUpsert, storage.TableEvents))
	require.NoError(t, h.svc.AppendTrial(ctx, sessionID, 1, map[string]any{}, perfectScore()))
	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Trial.Trial.Index)

	// Any other event-log failure is logged only.
	h.failWith(func(op storage.Op, table storage.Table) error {
		return errors.New("disk full")
	})
	assert.NoError(t, h.svc.AppendTrial(ctx, uuid.NewString(), 0, map[string]any{}, perfectScore()))
	pending, err = h.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFinalize_NotFound(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.svc.FinalizeSession(context.Background(), models.FinalizeSessionParams{
		SessionID: uuid.NewString(),
		Summary:   perfectSummary(),
	})
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestFinalize_Duration(t *testing.T) {
	tests := []struct {
		name      string
		startedAt time.Time
		elapsed   time.Duration
		explicit  *int64
		want      int64
	}{
		{name: "defaults to now minus start", startedAt: t0, elapsed: 90 * time.Second, want: 90000},
		{name: "floors at zero", startedAt: t0.Add(time.Hour), elapsed: 0, want: 0},
		{name: "explicit wins", startedAt: t0, elapsed: time.Minute, explicit: models.Int64(1234), want: 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			ctx := context.Background()
			created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", StartedAt: tt.startedAt})
			require.NoError(t, err)

			h.advance(tt.elapsed)
			payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{
				SessionID:  created.ID,
				Summary:    perfectSummary(),
				DurationMs: tt.explicit,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload.DurationMs)
			assert.Equal(t, t0.Add(tt.elapsed), payload.EndedAt)
		})
	}
}

func TestFinalize_ValidationRejectsMalformedIDs(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", SessionID: "tmp-local-1"})
	require.NoError(t, err)

	_, err = h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{SessionID: created.ID, Summary: perfectSummary()})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "sessionId must be a UUID")
	assert.False(t, h.store.Rows(storage.TableSessions)[0].Bool("completed"))
}

func TestFinalize_FullShape(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{
		GameID:      "n-back",
		Metadata:    map[string]any{"source": "menu"},
		GameVersion: models.String("2"),
	})
	require.NoError(t, err)

	payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{SessionID: created.ID, Summary: perfectSummary()})
	require.NoError(t, err)
	assert.Equal(t, "2", *payload.GameVersion, "version defaults to the stored session")
	assert.Nil(t, payload.AppVersion)

	row := h.store.Rows(storage.TableSessions)[0]
	assert.True(t, row.Bool("completed"))
	score, _ := row.Float("score")
	assert.Equal(t, 1200.0, score)
	extra := row.Map("extra")
	assert.Equal(t, "menu", extra["source"])
	assert.Contains(t, extra, "resultPayload")
}

func TestFinalize_QueuesOnNetworkFailureWithFrozenTimes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	h.advance(30 * time.Second)
	h.failWith(offlineOn(storage.OpUpdate, storage.TableSessions))
	payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{SessionID: created.ID, Summary: perfectSummary()})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), payload.DurationMs)

	h.failWith(nil)
	h.advance(time.Hour)
	drained, err := h.svc.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, drained)

	view, err := h.svc.GetSessionWithTrials(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, view.Session.Completed)
	assert.Equal(t, int64(30000), *view.Session.DurationMs)
	assert.Equal(t, t0.Add(30*time.Second), *view.Session.EndedAt)
}

func TestOfflineSession_QueuesInOrderAndFlushes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	h.failWith(offlineOn(storage.OpUpsert, storage.TableSessions))
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2)})
	require.NoError(t, err)
	require.True(t, created.Queued)

	// The store is back, but the session row is not there yet.
	h.failWith(nil)
	require.NoError(t, h.svc.AppendTrial(ctx, created.ID, 0, map[string]any{"stimulus": "A"}, perfectScore()))
	assert.Empty(t, h.store.Rows(storage.TableTrials), "trial waits behind the queued create")

	h.advance(45 * time.Second)
	payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{
		SessionID:     created.ID,
		DifficultyEnd: models.Float(3),
		Summary:       perfectSummary(),
	})
	require.NoError(t, err)
	require.Len(t, payload.Trials, 1)
	assert.Equal(t, int64(45000), payload.DurationMs)

	view, err := h.svc.GetSessionWithTrials(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, view.Pending)
	assert.True(t, view.Session.Completed)

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []queue.Kind{queue.KindCreate, queue.KindTrial, queue.KindFinalize},
		[]queue.Kind{pending[0].Kind, pending[1].Kind, pending[2].Kind})

	drained, err := h.svc.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, drained)

	pending, err = h.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	view, err = h.svc.GetSessionWithTrials(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, view.Pending)
	assert.True(t, view.Session.Completed)
	assert.Equal(t, int64(45000), *view.Session.DurationMs)
	require.Len(t, view.Trials, 1)
	assert.Equal(t, "A", view.Trials[0].TrialData["stimulus"])
}

func TestFlush_DropsNonNetworkFailures(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	orphan := queue.NewFinalize(testUserID, models.FinalizeSessionParams{
		SessionID: uuid.NewString(),
		Summary:   perfectSummary(),
		EndedAt:   t0,
	}, t0)
	require.NoError(t, h.queued.Save(ctx, []queue.Action{orphan}))

	drained, err := h.svc.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, drained)

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlush_KeepsNetworkFailures(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	h.failWith(offlineOn(storage.OpUpsert, storage.TableSessions))
	_, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	drained, err := h.svc.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, drained)

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "replay failures are not queued twice")
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name         string
		resolver     identity.Resolver
		wantIdentity bool
	}{
		{name: "nobody signed in", resolver: identity.Static(""), wantIdentity: true},
		{
			name: "expired token",
			resolver: identity.Func(func(context.Context) (string, error) {
				return "", errors.New("Invalid Refresh Token: Already Used")
			}),
			wantIdentity: true,
		},
		{
			name: "unrelated failure",
			resolver: identity.Func(func(context.Context) (string, error) {
				return "", errors.New("keychain locked")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, tt.resolver)
			ctx := context.Background()

			_, createErr := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
			appendErr := h.svc.AppendTrial(ctx, uuid.NewString(), 0, map[string]any{}, perfectScore())
			_, finalizeErr := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{SessionID: uuid.NewString(), Summary: perfectSummary()})

			for _, err := range []error{createErr, appendErr, finalizeErr} {
				require.Error(t, err)
				var idErr *IdentityError
				assert.Equal(t, tt.wantIdentity, errors.As(err, &idErr), "got %v", err)
				if tt.wantIdentity {
					assert.Contains(t, err.Error(), "sign in again")
				}
			}
			assert.Empty(t, h.store.Rows(storage.TableSessions))
		})
	}
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back", DifficultyStart: models.Float(2)})
	require.NoError(t, err)

	err = h.svc.AppendTrial(ctx, created.ID, 0, map[string]any{"stimulus": "K", "match": true}, perfectScore())
	require.NoError(t, err)

	payload, err := h.svc.FinalizeSession(ctx, models.FinalizeSessionParams{
		SessionID:     created.ID,
		DifficultyEnd: models.Float(3),
		Summary:       perfectSummary(),
	})
	require.NoError(t, err)
	require.Len(t, payload.Trials, 1)
	assert.Equal(t, 0, payload.Trials[0].Index)
	assert.Equal(t, "n-back", payload.GameID)
	assert.Equal(t, 2.0, *payload.DifficultyStart)
	assert.Equal(t, 3.0, *payload.DifficultyEnd)
	assert.Equal(t, testUserID, payload.UserID)
}

func TestRunSelfTest(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.svc.RunSelfTest(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	require.Len(t, res.Trials, 1)
	assert.Equal(t, 0, res.Trials[0].Index)
	assert.Equal(t, true, res.Trials[0].Score.Extras["selfTest"])
	assert.Equal(t, 1.0, res.Summary.AccuracyAvg)
	assert.Equal(t, 0, res.Summary.ErrorsTotal)

	row := h.store.Rows(storage.TableSessions)[0]
	assert.Equal(t, "dev-menu-self-test", row.String("game_id"))
	assert.True(t, row.Bool("completed"))
}

func TestRunSelfTest_SurfacesErrors(t *testing.T) {
	h := newHarness(t, nil, identity.Static(""))
	_, err := h.svc.RunSelfTest(context.Background())
	var idErr *IdentityError
	assert.True(t, errors.As(err, &idErr))
}

func TestGetSessionWithTrials_ReadsLegacyTrialEvents(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, models.CreateSessionParams{GameID: "n-back"})
	require.NoError(t, err)

	// Events written by older clients: upper-case type, out-of-order indexes,
	// and one payload that is not a trial.
	events := []storage.Row{
		{"id": uuid.NewString(), "session_id": created.ID, "event_type": "TRIAL", "created_at": t0.Add(2 * time.Second),
			"payload": map[string]any{"index": 1.0, "trialData": map[string]any{}, "score": map[string]any{"accuracy": 0.5, "timeMs": 300.0, "errors": 1.0, "scoreTotal": 10.0}}},
		{"id": uuid.NewString(), "session_id": created.ID, "event_type": "trial", "created_at": t0.Add(time.Second),
			"payload": map[string]any{"index": 0.0, "trialData": map[string]any{}, "score": map[string]any{"accuracy": 1.0, "timeMs": 200.0, "errors": 0.0, "scoreTotal": 20.0}}},
		{"id": uuid.NewString(), "session_id": created.ID, "event_type": "trial", "created_at": t0.Add(3 * time.Second),
			"payload": map[string]any{"note": "not a trial"}},
		{"id": uuid.NewString(), "session_id": created.ID, "event_type": "pause", "created_at": t0,
			"payload": map[string]any{"index": 7.0, "trialData": map[string]any{}, "score": map[string]any{"accuracy": 1.0}}},
	}
	for _, e := range events {
		require.NoError(t, h.store.Insert(ctx, storage.TableEvents, e))
	}
	h.store.SetSchema(storage.FullSchema().Without(storage.TableTrials))

	view, err := h.svc.GetSessionWithTrials(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, h.svc.TrialTableAvailable())
	require.Len(t, view.Trials, 2)
	assert.Equal(t, 0, view.Trials[0].Index)
	assert.Equal(t, 1, view.Trials[1].Index)
	assert.Equal(t, map[string]any{}, view.Trials[1].Score.Extras)
}

func TestConnectivityRestored_SchedulesFlush(t *testing.T) {
	var delays []time.Duration
	store := storage.NewMemoryStore(nil)
	svc := NewService(store, identity.Static(testUserID), logger.NewNop(), Options{
		Backoff: queue.Options{AfterFunc: func(d time.Duration, _ func()) queue.Timer {
			delays = append(delays, d)
			return stubTimer{}
		}},
		Now: func() time.Time { return t0 },
	})
	t.Cleanup(svc.Close)

	svc.ConnectivityRestored()
	assert.Equal(t, []time.Duration{queue.DefaultNudgeDelay}, delays)
}
