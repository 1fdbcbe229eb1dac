package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/plasticity/resultsync/internal/models"
	"github.com/plasticity/resultsync/internal/storage"
)

const eventTypeTrial = "trial"

var (
	trialNamespace = uuid.MustParse("4f5d8a2e-1c3b-5e7f-9a0b-6c2d4e8f1a3b")
	eventNamespace = uuid.MustParse("9b1e7c3a-5d2f-5a4b-8c6e-0f1a2b3c4d5e")
)

// trialID is stable per (session, index) so replays and resubmissions converge.
func trialID(sessionID string, index int) string {
	return uuid.NewSHA1(trialNamespace, []byte(sessionID+":"+strconv.Itoa(index))).String()
}

func eventID(sessionID string, index int) string {
	return uuid.NewSHA1(eventNamespace, []byte(sessionID+":"+strconv.Itoa(index))).String()
}

// createRow leaves the terminal columns out so a conflicting upsert never
// clears what finalize wrote.
func createRow(userID string, p models.CreateSessionParams, minimal bool) storage.Row {
	row := storage.Row{
		"id":               p.SessionID,
		"user_id":          userID,
		"game_id":          p.GameID,
		"difficulty_level": floatOrNil(p.DifficultyStart),
		"variant":          stringOrNil(p.Variant),
		"started_at":       p.StartedAt.UTC(),
		"completed":        false,
		"extra":            mapOrNil(p.Metadata),
	}
	if minimal {
		return row
	}

	metadata := maps.Clone(p.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["idempotencyKey"] = p.IdempotencyKey

	row["app_version"] = stringOrNil(p.AppVersion)
	row["game_version"] = stringOrNil(p.GameVersion)
	row["metadata"] = metadata
	return row
}

func finalizeRow(prior models.Session, payload models.ResultPayload) (storage.Row, error) {
	summary, err := toJSONMap(payload.Summary)
	if err != nil {
		return nil, err
	}
	resultPayload, err := toJSONMap(payload)
	if err != nil {
		return nil, err
	}
	return storage.Row{
		"difficulty_end": floatOrNil(payload.DifficultyEnd),
		"finished_at":    payload.EndedAt.UTC(),
		"duration_ms":    payload.DurationMs,
		"summary":        summary,
		"score":          payload.Summary.ScoreTotal,
		"accuracy":       payload.Summary.AccuracyAvg,
		"completed":      true,
		"extra":          mergeExtra(prior.Extra, map[string]any{"resultPayload": resultPayload}),
		"app_version":    stringOrNil(payload.AppVersion),
		"game_version":   stringOrNil(payload.GameVersion),
	}, nil
}

// minimalFinalizeRow folds everything the baseline columns cannot hold into extra.
func minimalFinalizeRow(prior models.Session, payload models.ResultPayload) (storage.Row, error) {
	summary, err := toJSONMap(payload.Summary)
	if err != nil {
		return nil, err
	}
	return storage.Row{
		"finished_at": payload.EndedAt.UTC(),
		"score":       payload.Summary.ScoreTotal,
		"accuracy":    payload.Summary.AccuracyAvg,
		"completed":   true,
		"extra": mergeExtra(prior.Extra, map[string]any{
			"summary":       summary,
			"difficultyEnd": floatOrNil(payload.DifficultyEnd),
			"durationMs":    payload.DurationMs,
			"appVersion":    stringOrNil(payload.AppVersion),
			"gameVersion":   stringOrNil(payload.GameVersion),
		}),
	}, nil
}

// sessionFromRow reads either schema shape. Values the minimal shape keeps
// in extra are lifted back into their fields.
func sessionFromRow(row storage.Row) models.Session {
	s := models.Session{
		ID:              row.String("id"),
		UserID:          row.String("user_id"),
		GameID:          row.String("game_id"),
		DifficultyStart: row.FloatPtr("difficulty_level"),
		DifficultyEnd:   row.FloatPtr("difficulty_end"),
		Variant:         row.StringPtr("variant"),
		EndedAt:         row.TimePtr("finished_at"),
		DurationMs:      row.IntPtr("duration_ms"),
		Score:           row.FloatPtr("score"),
		Accuracy:        row.FloatPtr("accuracy"),
		Completed:       row.Bool("completed"),
		Extra:           row.Map("extra"),
		AppVersion:      row.StringPtr("app_version"),
		GameVersion:     row.StringPtr("game_version"),
		Metadata:        row.Map("metadata"),
		CreatedAt:       row.TimePtr("created_at"),
	}
	s.StartedAt, _ = row.Time("started_at")

	if m := row.Map("summary"); m != nil {
		var summary models.ResultSummary
		if fromJSONMap(m, &summary) == nil {
			s.Summary = &summary
		}
	}

	extra := storage.Row(s.Extra)
	if s.Summary == nil {
		if m := extra.Map("summary"); m != nil {
			var summary models.ResultSummary
			if fromJSONMap(m, &summary) == nil {
				s.Summary = &summary
			}
		}
	}
	if s.DifficultyEnd == nil {
		s.DifficultyEnd = extra.FloatPtr("difficultyEnd")
	}
	if s.DurationMs == nil {
		s.DurationMs = extra.IntPtr("durationMs")
	}
	if s.AppVersion == nil {
		s.AppVersion = extra.StringPtr("appVersion")
	}
	if s.GameVersion == nil {
		s.GameVersion = extra.StringPtr("gameVersion")
	}
	return s
}

// sessionFromCreate is the local view of a session whose create is still queued.
func sessionFromCreate(userID string, p models.CreateSessionParams) models.Session {
	metadata := maps.Clone(p.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["idempotencyKey"] = p.IdempotencyKey
	return models.Session{
		ID:              p.SessionID,
		UserID:          userID,
		GameID:          p.GameID,
		DifficultyStart: p.DifficultyStart,
		Variant:         p.Variant,
		StartedAt:       p.StartedAt.UTC(),
		Extra:           maps.Clone(p.Metadata),
		AppVersion:      p.AppVersion,
		GameVersion:     p.GameVersion,
		Metadata:        metadata,
	}
}

// applyFinalize overlays a queued finalize on the local view.
func applyFinalize(s *models.Session, p models.FinalizeSessionParams) {
	summary := p.Summary
	endedAt := p.EndedAt.UTC()
	s.DifficultyEnd = p.DifficultyEnd
	s.Summary = &summary
	s.Score = models.Float(summary.ScoreTotal)
	s.Accuracy = models.Float(summary.AccuracyAvg)
	s.Completed = true
	if !p.EndedAt.IsZero() {
		s.EndedAt = &endedAt
	}
	if p.DurationMs != nil {
		s.DurationMs = models.Int64(*p.DurationMs)
	}
	if p.AppVersion != nil {
		s.AppVersion = p.AppVersion
	}
	if p.GameVersion != nil {
		s.GameVersion = p.GameVersion
	}
}

func trialRow(sessionID string, t models.TrialResult, now time.Time) (storage.Row, error) {
	score, err := toJSONMap(t.Score)
	if err != nil {
		return nil, err
	}
	return storage.Row{
		"id":          trialID(sessionID, t.Index),
		"session_id":  sessionID,
		"trial_index": t.Index,
		"trial_data":  mapOrNil(t.TrialData),
		"score":       score,
		"created_at":  now.UTC(),
	}, nil
}

func eventRow(sessionID string, t models.TrialResult, now time.Time) (storage.Row, error) {
	payload, err := toJSONMap(t)
	if err != nil {
		return nil, err
	}
	return storage.Row{
		"id":         eventID(sessionID, t.Index),
		"session_id": sessionID,
		"event_type": eventTypeTrial,
		"payload":    payload,
		"created_at": now.UTC(),
	}, nil
}

func trialFromRow(row storage.Row) (models.TrialResult, error) {
	index, ok := row.Int("trial_index")
	if !ok {
		return models.TrialResult{}, errors.New("trial row without trial_index")
	}
	var score models.StandardScore
	if err := fromJSONMap(row.Map("score"), &score); err != nil {
		return models.TrialResult{}, fmt.Errorf("decode trial score: %w", err)
	}
	t := models.TrialResult{Index: int(index), TrialData: row.Map("trial_data"), Score: score.Normalized()}
	if t.TrialData == nil {
		t.TrialData = map[string]any{}
	}
	return t, t.Validate()
}

func trialFromEvent(row storage.Row) (models.TrialResult, error) {
	payload := row.Map("payload")
	if payload == nil || payload["index"] == nil || payload["trialData"] == nil || payload["score"] == nil {
		return models.TrialResult{}, errors.New("event payload is not a trial")
	}
	var t models.TrialResult
	if err := fromJSONMap(payload, &t); err != nil {
		return models.TrialResult{}, fmt.Errorf("decode trial event: %w", err)
	}
	t.Score = t.Score.Normalized()
	return t, t.Validate()
}

// mergeTrials keeps the last trial per index, ordered by index.
func mergeTrials(sets ...[]models.TrialResult) []models.TrialResult {
	byIndex := make(map[int]models.TrialResult)
	for _, set := range sets {
		for _, t := range set {
			byIndex[t.Index] = t
		}
	}
	out := make([]models.TrialResult, 0, len(byIndex))
	for _, t := range byIndex {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func mergeExtra(prior, extras map[string]any) map[string]any {
	out := make(map[string]any, len(prior)+len(extras))
	maps.Copy(out, prior)
	maps.Copy(out, extras)
	return out
}

func toJSONMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromJSONMap(m map[string]any, out any) error {
	if m == nil {
		return errors.New("missing JSON object")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
