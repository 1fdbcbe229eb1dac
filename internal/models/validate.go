package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ValidationError lists every way a record breaks the result contract.
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err(subject string) error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Subject: subject, Problems: p}
}

// Validate checks the score ranges.
func (s StandardScore) Validate() error {
	var p problems
	s.check(&p, "score")
	return p.err("standard score")
}

func (s StandardScore) check(p *problems, prefix string) {
	if !finite(s.Accuracy) || s.Accuracy < 0 || s.Accuracy > 1 {
		p.addf("%s.accuracy must be within [0,1], got %v", prefix, s.Accuracy)
	}
	if !finite(s.TimeMs) || s.TimeMs < 0 {
		p.addf("%s.timeMs must be >= 0, got %v", prefix, s.TimeMs)
	}
	if s.Errors < 0 {
		p.addf("%s.errors must be >= 0, got %d", prefix, s.Errors)
	}
	if !finite(s.ScoreTotal) {
		p.addf("%s.scoreTotal must be a finite number", prefix)
	}
}

// Validate checks index and score.
func (t TrialResult) Validate() error {
	var p problems
	t.check(&p, "trial")
	return p.err("trial result")
}

func (t TrialResult) check(p *problems, prefix string) {
	if t.Index < 0 {
		p.addf("%s.index must be >= 0, got %d", prefix, t.Index)
	}
	if t.TrialData == nil {
		p.addf("%s.trialData is required", prefix)
	}
	t.Score.check(p, prefix+".score")
}

// Validate checks the aggregate ranges.
func (s ResultSummary) Validate() error {
	var p problems
	s.check(&p, "summary")
	return p.err("result summary")
}

func (s ResultSummary) check(p *problems, prefix string) {
	if !finite(s.AccuracyAvg) || s.AccuracyAvg < 0 || s.AccuracyAvg > 1 {
		p.addf("%s.accuracyAvg must be within [0,1], got %v", prefix, s.AccuracyAvg)
	}
	if !finite(s.TimeAvgMs) || s.TimeAvgMs < 0 {
		p.addf("%s.timeAvgMs must be >= 0, got %v", prefix, s.TimeAvgMs)
	}
	if s.ErrorsTotal < 0 {
		p.addf("%s.errorsTotal must be >= 0, got %d", prefix, s.ErrorsTotal)
	}
	if !finite(s.ScoreTotal) {
		p.addf("%s.scoreTotal must be a finite number", prefix)
	}
}

// Validate checks the whole payload, including every trial.
func (r ResultPayload) Validate() error {
	var p problems
	if _, err := uuid.Parse(r.SessionID); err != nil {
		p.addf("sessionId must be a UUID, got %q", r.SessionID)
	}
	if _, err := uuid.Parse(r.UserID); err != nil {
		p.addf("userId must be a UUID, got %q", r.UserID)
	}
	if r.StartedAt.IsZero() {
		p.addf("startedAt is required")
	}
	if r.EndedAt.IsZero() {
		p.addf("endedAt is required")
	}
	if r.DurationMs < 0 {
		p.addf("durationMs must be >= 0, got %d", r.DurationMs)
	}
	if r.DifficultyStart != nil && !finite(*r.DifficultyStart) {
		p.addf("difficultyStart must be a finite number")
	}
	if r.DifficultyEnd != nil && !finite(*r.DifficultyEnd) {
		p.addf("difficultyEnd must be a finite number")
	}
	r.Summary.check(&p, "summary")
	for i, t := range r.Trials {
		t.check(&p, fmt.Sprintf("trials[%d]", i))
	}
	return p.err("result payload")
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
