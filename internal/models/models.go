package models

import "time"

// StandardScore is the per-trial scoring tuple produced by a game plugin.
type StandardScore struct {
	Accuracy   float64        `json:"accuracy" yaml:"accuracy"`
	TimeMs     float64        `json:"timeMs" yaml:"timeMs"`
	Errors     int            `json:"errors" yaml:"errors"`
	ScoreTotal float64        `json:"scoreTotal" yaml:"scoreTotal"`
	Extras     map[string]any `json:"extras" yaml:"extras"`
}

// Normalized returns a copy whose Extras is never nil.
func (s StandardScore) Normalized() StandardScore {
	if s.Extras == nil {
		s.Extras = map[string]any{}
	}
	return s
}

// TrialResult is one scored response within a session.
type TrialResult struct {
	Index     int            `json:"index" yaml:"index"`
	TrialData map[string]any `json:"trialData" yaml:"trialData"`
	Score     StandardScore  `json:"score" yaml:"score"`
}

// ResultSummary aggregates a session's trials.
type ResultSummary struct {
	AccuracyAvg float64 `json:"accuracyAvg" yaml:"accuracyAvg"`
	TimeAvgMs   float64 `json:"timeAvgMs" yaml:"timeAvgMs"`
	ErrorsTotal int     `json:"errorsTotal" yaml:"errorsTotal"`
	ScoreTotal  float64 `json:"scoreTotal" yaml:"scoreTotal"`
}

// ResultPayload is the full finalized record of a session.
type ResultPayload struct {
	SessionID       string        `json:"sessionId" yaml:"sessionId"`
	UserID          string        `json:"userId" yaml:"userId"`
	GameID          string        `json:"gameId" yaml:"gameId"`
	StartedAt       time.Time     `json:"startedAt" yaml:"startedAt"`
	EndedAt         time.Time     `json:"endedAt" yaml:"endedAt"`
	DurationMs      int64         `json:"durationMs" yaml:"durationMs"`
	DifficultyStart *float64      `json:"difficultyStart" yaml:"difficultyStart"`
	DifficultyEnd   *float64      `json:"difficultyEnd" yaml:"difficultyEnd"`
	Summary         ResultSummary `json:"summary" yaml:"summary"`
	Trials          []TrialResult `json:"trials" yaml:"trials"`
	AppVersion      *string       `json:"appVersion,omitempty" yaml:"appVersion,omitempty"`
	GameVersion     *string       `json:"gameVersion,omitempty" yaml:"gameVersion,omitempty"`
}

// Session is the canonical in-memory form of a stored session row,
// independent of which schema shape the backend carries.
type Session struct {
	ID              string         `json:"id" yaml:"id"`
	UserID          string         `json:"userId" yaml:"userId"`
	GameID          string         `json:"gameId" yaml:"gameId"`
	DifficultyStart *float64       `json:"difficultyStart" yaml:"difficultyStart"`
	DifficultyEnd   *float64       `json:"difficultyEnd" yaml:"difficultyEnd"`
	Variant         *string        `json:"variant,omitempty" yaml:"variant,omitempty"`
	StartedAt       time.Time      `json:"startedAt" yaml:"startedAt"`
	EndedAt         *time.Time     `json:"endedAt" yaml:"endedAt"`
	DurationMs      *int64         `json:"durationMs" yaml:"durationMs"`
	Score           *float64       `json:"score" yaml:"score"`
	Accuracy        *float64       `json:"accuracy" yaml:"accuracy"`
	Completed       bool           `json:"completed" yaml:"completed"`
	Summary         *ResultSummary `json:"summary" yaml:"summary"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
	AppVersion      *string        `json:"appVersion,omitempty" yaml:"appVersion,omitempty"`
	GameVersion     *string        `json:"gameVersion,omitempty" yaml:"gameVersion,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt       *time.Time     `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
}

// CreateSessionParams starts a session. Zero values are filled in by the service.
type CreateSessionParams struct {
	GameID          string         `json:"gameId" yaml:"gameId"`
	DifficultyStart *float64       `json:"difficultyStart" yaml:"difficultyStart"`
	Variant         *string        `json:"variant,omitempty" yaml:"variant,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AppVersion      *string        `json:"appVersion,omitempty" yaml:"appVersion,omitempty"`
	GameVersion     *string        `json:"gameVersion,omitempty" yaml:"gameVersion,omitempty"`
	SessionID       string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	StartedAt       time.Time      `json:"startedAt" yaml:"startedAt"`
	IdempotencyKey  string         `json:"idempotencyKey,omitempty" yaml:"idempotencyKey,omitempty"`
}

// FinalizeSessionParams closes a session. A zero EndedAt means now and a nil
// DurationMs means EndedAt minus the stored start.
type FinalizeSessionParams struct {
	SessionID     string        `json:"sessionId" yaml:"sessionId"`
	DifficultyEnd *float64      `json:"difficultyEnd" yaml:"difficultyEnd"`
	Summary       ResultSummary `json:"summary" yaml:"summary"`
	EndedAt       time.Time     `json:"endedAt" yaml:"endedAt"`
	DurationMs    *int64        `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	AppVersion    *string       `json:"appVersion,omitempty" yaml:"appVersion,omitempty"`
	GameVersion   *string       `json:"gameVersion,omitempty" yaml:"gameVersion,omitempty"`
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}

// String returns a pointer to v, for optional text fields.
func String(v string) *string {
	return &v
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
