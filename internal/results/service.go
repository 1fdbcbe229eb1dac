// Package results implements the session lifecycle: create a session,
// append trials, finalize with a summary. Writes that fail on connectivity
// are queued and replayed; writes the backend schema cannot hold are
// downgraded to a smaller shape.
package results

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/plasticity/resultsync/internal/fallback"
	"github.com/plasticity/resultsync/internal/identity"
	"github.com/plasticity/resultsync/internal/models"
	"github.com/plasticity/resultsync/internal/queue"
	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

// Options configures a Service. Zero fields take defaults.
type Options struct {
	// Queue persists pending actions. Nil keeps them in memory.
	Queue queue.Storage
	// Backoff tunes the retry scheduler.
	Backoff queue.Options
	Now     func() time.Time
	NewID   func() string
}

// Service is the session lifecycle engine.
type Service struct {
	store    storage.Store
	identity identity.Resolver
	queue    *queue.Queue
	log      *logger.Logger
	now      func() time.Time
	newID    func() string

	// Both flags only ever go from false to true.
	minimalSchema atomic.Bool
	noTrialTable  atomic.Bool
}

// CreateResult identifies a started session.
type CreateResult struct {
	ID        string    `json:"id" yaml:"id"`
	StartedAt time.Time `json:"startedAt" yaml:"startedAt"`
	UserID    string    `json:"userId" yaml:"userId"`
	// Queued is set when the write is waiting in the pending queue.
	Queued bool `json:"queued" yaml:"queued"`
}

// SessionWithTrials is a session and its trials ordered by index.
type SessionWithTrials struct {
	Session models.Session       `json:"session" yaml:"session"`
	Trials  []models.TrialResult `json:"trials" yaml:"trials"`
	// Pending is set when part of the view comes from queued actions.
	Pending bool `json:"pending" yaml:"pending"`
}

// SelfTestResult is what RunSelfTest read back.
type SelfTestResult struct {
	SessionID string               `json:"sessionId" yaml:"sessionId"`
	Trials    []models.TrialResult `json:"trials" yaml:"trials"`
	Summary   models.ResultSummary `json:"summary" yaml:"summary"`
}

// NewService creates the engine over store.
func NewService(store storage.Store, resolver identity.Resolver, log *logger.Logger, opts Options) *Service {
	s := &Service{
		store:    store,
		identity: resolver,
		log:      log,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = newSessionID
	}
	qs := opts.Queue
	if qs == nil {
		qs = queue.NewMemoryStorage()
	}
	backoff := opts.Backoff
	if backoff.Now == nil {
		backoff.Now = s.now
	}
	s.queue = queue.New(qs, s, log, backoff)
	return s
}

var tokenSeq atomic.Uint64

func newSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("tmp-%d-%d", tokenSeq.Add(1), time.Now().UnixMilli())
}

// MinimalSchema reports whether session writes use the baseline columns.
func (s *Service) MinimalSchema() bool {
	return s.minimalSchema.Load()
}

// TrialTableAvailable reports whether trials still go to the trial table.
func (s *Service) TrialTableAvailable() bool {
	return !s.noTrialTable.Load()
}

// CreateSession upserts a session keyed by its id. A network failure queues
// the create and still returns the generated identifiers.
func (s *Service) CreateSession(ctx context.Context, p models.CreateSessionParams) (CreateResult, error) {
	userID, err := s.requireUserID(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	if strings.TrimSpace(p.GameID) == "" {
		return CreateResult{}, &models.ValidationError{Subject: "create session params", Problems: []string{"gameId is required"}}
	}
	return s.create(ctx, userID, s.freezeCreate(p), true)
}

func (s *Service) freezeCreate(p models.CreateSessionParams) models.CreateSessionParams {
	if p.SessionID == "" {
		p.SessionID = s.newID()
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = p.SessionID
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = s.now()
	}
	p.StartedAt = p.StartedAt.UTC()
	return p
}

func (s *Service) create(ctx context.Context, userID string, p models.CreateSessionParams, queueOnNetwork bool) (CreateResult, error) {
	result := CreateResult{ID: p.SessionID, StartedAt: p.StartedAt, UserID: userID}

	if prior, ok := s.finalizedSession(ctx, p.SessionID); ok {
		s.log.Debug("Session already finalized, skipping create", logger.F("session_id", p.SessionID))
		if !prior.StartedAt.IsZero() {
			result.StartedAt = prior.StartedAt
		}
		return result, nil
	}

	if !s.minimalSchema.Load() {
		err := s.store.Upsert(ctx, storage.TableSessions, createRow(userID, p, false), "id")
		switch fallback.Classify(err) {
		case fallback.None:
			return result, nil
		case fallback.Network:
			return s.queueCreate(ctx, userID, p, result, err, queueOnNetwork)
		case fallback.Capability:
			s.downgrade(err)
			if err := s.store.Upsert(ctx, storage.TableSessions, createRow(userID, p, true), "id"); err != nil {
				return CreateResult{}, err
			}
			return result, nil
		default:
			return CreateResult{}, err
		}
	}

	err := s.store.Upsert(ctx, storage.TableSessions, createRow(userID, p, true), "id")
	switch fallback.Classify(err) {
	case fallback.None:
		return result, nil
	case fallback.Network:
		return s.queueCreate(ctx, userID, p, result, err, queueOnNetwork)
	default:
		return CreateResult{}, err
	}
}

// finalizedSession returns the stored session when it is already terminal.
// Read failures report false and leave classification to the write.
func (s *Service) finalizedSession(ctx context.Context, sessionID string) (models.Session, bool) {
	row, err := s.store.Get(ctx, storage.TableSessions, storage.Row{"id": sessionID})
	if err != nil || !row.Bool("completed") {
		return models.Session{}, false
	}
	return sessionFromRow(row), true
}

func (s *Service) queueCreate(ctx context.Context, userID string, p models.CreateSessionParams, result CreateResult, cause error, queueOnNetwork bool) (CreateResult, error) {
	if !queueOnNetwork {
		return CreateResult{}, cause
	}
	if err := s.enqueue(ctx, queue.NewCreate(userID, p, s.now()), cause); err != nil {
		return CreateResult{}, err
	}
	result.Queued = true
	return result, nil
}

// AppendTrial stores one trial, replacing any earlier trial at the same index.
func (s *Service) AppendTrial(ctx context.Context, sessionID string, index int, trialData map[string]any, score models.StandardScore) error {
	userID, err := s.requireUserID(ctx)
	if err != nil {
		return err
	}
	trial := models.TrialResult{Index: index, TrialData: trialData, Score: score.Normalized()}
	if err := trial.Validate(); err != nil {
		return err
	}

	// Writes for a session with queued work wait behind it.
	if pending := s.pendingFor(ctx, sessionID); len(pending) > 0 {
		return s.enqueue(ctx, queue.NewTrial(userID, sessionID, trial, s.now()), nil)
	}
	return s.appendTrial(ctx, userID, sessionID, trial, true)
}

func (s *Service) appendTrial(ctx context.Context, userID, sessionID string, trial models.TrialResult, queueOnNetwork bool) error {
	if s.noTrialTable.Load() {
		return s.writeTrialEvent(ctx, userID, sessionID, trial, queueOnNetwork)
	}

	row, err := trialRow(sessionID, trial, s.now())
	if err != nil {
		return err
	}
	err = s.store.Upsert(ctx, storage.TableTrials, row, "session_id", "trial_index")
	switch fallback.Classify(err) {
	case fallback.None:
		s.mirrorTrial(ctx, sessionID, trial)
		return nil
	case fallback.Network:
		if !queueOnNetwork {
			return err
		}
		return s.enqueue(ctx, queue.NewTrial(userID, sessionID, trial, s.now()), err)
	case fallback.Capability:
		s.disableTrialTable(err)
		return s.writeTrialEvent(ctx, userID, sessionID, trial, queueOnNetwork)
	default:
		return err
	}
}

// writeTrialEvent records the trial in the event log when the trial table is
// unavailable. Only network failures are surfaced, as queued work.
func (s *Service) writeTrialEvent(ctx context.Context, userID, sessionID string, trial models.TrialResult, queueOnNetwork bool) error {
	row, err := eventRow(sessionID, trial, s.now())
	if err != nil {
		return err
	}
	err = s.store.Upsert(ctx, storage.TableEvents, row, "id")
	switch fallback.Classify(err) {
	case fallback.None:
		return nil
	case fallback.Network:
		if !queueOnNetwork {
			return err
		}
		return s.enqueue(ctx, queue.NewTrial(userID, sessionID, trial, s.now()), err)
	default:
		s.log.Warn("Failed to log trial as event",
			logger.F("session_id", sessionID),
			logger.F("index", trial.Index),
			logger.Err(err),
		)
		return nil
	}
}

func (s *Service) mirrorTrial(ctx context.Context, sessionID string, trial models.TrialResult) {
	row, err := eventRow(sessionID, trial, s.now())
	if err == nil {
		err = s.store.Upsert(ctx, storage.TableEvents, row, "id")
	}
	if err == nil {
		return
	}
	if fallback.IsCapability(err) {
		s.log.Debug("Event log unavailable, trial not mirrored", logger.F("session_id", sessionID))
		return
	}
	s.log.Warn("Failed to mirror trial as event",
		logger.F("session_id", sessionID),
		logger.F("index", trial.Index),
		logger.Err(err),
	)
}

// FinalizeSession closes a session and returns its full result payload,
// whichever storage path committed it.
func (s *Service) FinalizeSession(ctx context.Context, p models.FinalizeSessionParams) (models.ResultPayload, error) {
	userID, err := s.requireUserID(ctx)
	if err != nil {
		return models.ResultPayload{}, err
	}
	return s.finalize(ctx, userID, p, s.pendingFor(ctx, p.SessionID), true)
}

func (s *Service) finalize(ctx context.Context, userID string, p models.FinalizeSessionParams, pending []queue.Action, queueOnNetwork bool) (models.ResultPayload, error) {
	view, err := s.localView(ctx, p.SessionID, pending)
	if err != nil {
		return models.ResultPayload{}, err
	}
	session := view.Session

	endedAt := p.EndedAt
	if endedAt.IsZero() {
		endedAt = s.now()
	}
	endedAt = endedAt.UTC()
	var durationMs int64
	if p.DurationMs != nil {
		durationMs = *p.DurationMs
	} else {
		durationMs = max(0, endedAt.Sub(session.StartedAt).Milliseconds())
	}

	payload := models.ResultPayload{
		SessionID:       p.SessionID,
		UserID:          userID,
		GameID:          session.GameID,
		StartedAt:       session.StartedAt,
		EndedAt:         endedAt,
		DurationMs:      durationMs,
		DifficultyStart: session.DifficultyStart,
		DifficultyEnd:   p.DifficultyEnd,
		Summary:         p.Summary,
		Trials:          view.Trials,
		AppVersion:      firstNonNil(p.AppVersion, session.AppVersion),
		GameVersion:     firstNonNil(p.GameVersion, session.GameVersion),
	}
	if payload.Trials == nil {
		payload.Trials = []models.TrialResult{}
	}
	if err := payload.Validate(); err != nil {
		return models.ResultPayload{}, err
	}

	p.EndedAt = endedAt
	p.DurationMs = models.Int64(durationMs)

	if len(pending) > 0 {
		return payload, s.enqueue(ctx, queue.NewFinalize(userID, p, s.now()), nil)
	}

	if !s.minimalSchema.Load() {
		row, err := finalizeRow(session, payload)
		if err != nil {
			return models.ResultPayload{}, err
		}
		err = s.store.Update(ctx, storage.TableSessions, storage.Row{"id": p.SessionID}, row)
		switch fallback.Classify(err) {
		case fallback.None:
			return payload, nil
		case fallback.Network:
			return s.queueFinalize(ctx, userID, p, payload, err, queueOnNetwork)
		case fallback.Capability:
			s.downgrade(err)
			if err := s.minimalFinalize(ctx, session, payload); err != nil {
				return models.ResultPayload{}, err
			}
			return payload, nil
		default:
			return models.ResultPayload{}, err
		}
	}

	err = s.minimalFinalize(ctx, session, payload)
	switch fallback.Classify(err) {
	case fallback.None:
		return payload, nil
	case fallback.Network:
		return s.queueFinalize(ctx, userID, p, payload, err, queueOnNetwork)
	default:
		return models.ResultPayload{}, err
	}
}

func (s *Service) minimalFinalize(ctx context.Context, session models.Session, payload models.ResultPayload) error {
	row, err := minimalFinalizeRow(session, payload)
	if err != nil {
		return err
	}
	return s.store.Update(ctx, storage.TableSessions, storage.Row{"id": payload.SessionID}, row)
}

func (s *Service) queueFinalize(ctx context.Context, userID string, p models.FinalizeSessionParams, payload models.ResultPayload, cause error, queueOnNetwork bool) (models.ResultPayload, error) {
	if !queueOnNetwork {
		return models.ResultPayload{}, cause
	}
	if err := s.enqueue(ctx, queue.NewFinalize(userID, p, s.now()), cause); err != nil {
		return models.ResultPayload{}, err
	}
	return payload, nil
}

// GetSessionWithTrials reads a session back, including writes still queued.
func (s *Service) GetSessionWithTrials(ctx context.Context, sessionID string) (SessionWithTrials, error) {
	return s.localView(ctx, sessionID, s.pendingFor(ctx, sessionID))
}

// localView combines the stored session with queued actions for it.
func (s *Service) localView(ctx context.Context, sessionID string, pending []queue.Action) (SessionWithTrials, error) {
	var queuedCreate *queue.CreateAction
	var queuedTrials []models.TrialResult
	var queuedFinalize *queue.FinalizeAction
	for _, a := range pending {
		switch a.Kind {
		case queue.KindCreate:
			queuedCreate = a.Create
		case queue.KindTrial:
			queuedTrials = append(queuedTrials, a.Trial.Trial)
		case queue.KindFinalize:
			queuedFinalize = a.Finalize
		}
	}

	var view SessionWithTrials
	row, err := s.store.Get(ctx, storage.TableSessions, storage.Row{"id": sessionID})
	switch {
	case err == nil:
		view.Session = sessionFromRow(row)
	case queuedCreate != nil && (errors.Is(err, storage.ErrNotFound) || fallback.IsNetwork(err)):
		view.Session = sessionFromCreate(queuedCreate.UserID, queuedCreate.CreateSessionParams)
	case errors.Is(err, storage.ErrNotFound):
		return SessionWithTrials{}, &NotFoundError{SessionID: sessionID}
	default:
		return SessionWithTrials{}, err
	}

	stored, err := s.fetchTrials(ctx, sessionID)
	if err != nil {
		if len(pending) == 0 || !fallback.IsNetwork(err) {
			return SessionWithTrials{}, err
		}
		stored = nil
	}
	view.Trials = mergeTrials(stored, queuedTrials)

	if queuedFinalize != nil {
		applyFinalize(&view.Session, queuedFinalize.FinalizeSessionParams)
	}
	view.Pending = len(pending) > 0
	return view, nil
}

func (s *Service) fetchTrials(ctx context.Context, sessionID string) ([]models.TrialResult, error) {
	if !s.noTrialTable.Load() {
		rows, err := s.store.Select(ctx, storage.TableTrials, storage.Query{
			Eq:      storage.Row{"session_id": sessionID},
			OrderBy: "trial_index",
		})
		switch {
		case err == nil:
			return s.decodeTrials(sessionID, rows, trialFromRow), nil
		case fallback.IsCapability(err):
			s.disableTrialTable(err)
		default:
			return nil, err
		}
	}

	rows, err := s.store.Select(ctx, storage.TableEvents, storage.Query{
		Eq:      storage.Row{"session_id": sessionID},
		In:      map[string][]any{"event_type": {"trial", "TRIAL"}},
		OrderBy: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return s.decodeTrials(sessionID, rows, trialFromEvent), nil
}

func (s *Service) decodeTrials(sessionID string, rows []storage.Row, decode func(storage.Row) (models.TrialResult, error)) []models.TrialResult {
	trials := make([]models.TrialResult, 0, len(rows))
	for _, row := range rows {
		t, err := decode(row)
		if err != nil {
			s.log.Debug("Skipping unreadable trial", logger.F("session_id", sessionID), logger.Err(err))
			continue
		}
		trials = append(trials, t)
	}
	return mergeTrials(trials)
}

// RunSelfTest drives one synthetic session end to end and reads it back.
func (s *Service) RunSelfTest(ctx context.Context) (SelfTestResult, error) {
	created, err := s.CreateSession(ctx, models.CreateSessionParams{
		GameID:          "dev-menu-self-test",
		DifficultyStart: models.Float(1),
		Metadata:        map[string]any{"source": "dev-menu-self-test"},
	})
	if err != nil {
		return SelfTestResult{}, err
	}

	score := models.StandardScore{Accuracy: 1, TimeMs: 100, Errors: 0, ScoreTotal: 1, Extras: map[string]any{"selfTest": true}}
	if err := s.AppendTrial(ctx, created.ID, 0, map[string]any{"kind": "self-test"}, score); err != nil {
		return SelfTestResult{}, err
	}

	summary := models.ResultSummary{AccuracyAvg: 1, TimeAvgMs: 100, ErrorsTotal: 0, ScoreTotal: 1}
	if _, err := s.FinalizeSession(ctx, models.FinalizeSessionParams{
		SessionID:     created.ID,
		DifficultyEnd: models.Float(2),
		Summary:       summary,
	}); err != nil {
		return SelfTestResult{}, err
	}

	view, err := s.GetSessionWithTrials(ctx, created.ID)
	if err != nil {
		return SelfTestResult{}, err
	}
	return SelfTestResult{SessionID: created.ID, Trials: view.Trials, Summary: summary}, nil
}

// Start schedules a flush if a previous run left actions queued.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Resume(ctx)
}

// Pending returns the actions waiting to be committed.
func (s *Service) Pending(ctx context.Context) ([]queue.Action, error) {
	return s.queue.Pending(ctx)
}

// Flush replays the pending queue now and reports whether it drained.
func (s *Service) Flush(ctx context.Context) (bool, error) {
	return s.queue.Flush(ctx)
}

// ConnectivityRestored asks for a near-term flush regardless of backoff.
func (s *Service) ConnectivityRestored() {
	s.queue.Nudge()
}

// Close stops background flushing. Queued actions stay persisted.
func (s *Service) Close() {
	s.queue.Close()
}

func (s *Service) requireUserID(ctx context.Context) (string, error) {
	id, err := s.identity.UserID(ctx)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "token") || strings.Contains(msg, "auth") {
			return "", &IdentityError{Err: err}
		}
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", &IdentityError{Err: identity.ErrNoIdentity}
	}
	return id, nil
}

func (s *Service) pendingFor(ctx context.Context, sessionID string) []queue.Action {
	pending, err := s.queue.PendingFor(ctx, sessionID)
	if err != nil {
		s.log.Warn("Failed to read pending queue", logger.F("session_id", sessionID), logger.Err(err))
		return nil
	}
	return pending
}

func (s *Service) enqueue(ctx context.Context, action queue.Action, cause error) error {
	if cause != nil {
		s.log.Info("Store unreachable, queueing write",
			logger.F("kind", string(action.Kind)),
			logger.F("session_id", action.SessionID()),
			logger.Err(cause),
		)
	}
	if err := s.queue.Enqueue(ctx, action); err != nil {
		return fmt.Errorf("queue %s for session %s: %w", action.Kind, action.SessionID(), err)
	}
	return nil
}

func (s *Service) downgrade(cause error) {
	if s.minimalSchema.CompareAndSwap(false, true) {
		s.log.Warn("Session extensions unavailable, using minimal schema", logger.Err(cause))
	}
}

func (s *Service) disableTrialTable(cause error) {
	if s.noTrialTable.CompareAndSwap(false, true) {
		s.log.Warn("Trial table unavailable, recording trials as events", logger.Err(cause))
	}
}

func firstNonNil(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
