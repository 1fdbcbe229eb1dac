package results

import (
	"context"

	"github.com/plasticity/resultsync/internal/queue"
)

// Replay commits a queued action with its frozen user and parameters.
// Failures are returned rather than queued again.
func (s *Service) Replay(ctx context.Context, a queue.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Kind {
	case queue.KindCreate:
		_, err := s.create(ctx, a.Create.UserID, s.freezeCreate(a.Create.CreateSessionParams), false)
		return err
	case queue.KindTrial:
		trial := a.Trial.Trial
		trial.Score = trial.Score.Normalized()
		if err := trial.Validate(); err != nil {
			return err
		}
		return s.appendTrial(ctx, a.Trial.UserID, a.Trial.SessionID, trial, false)
	default:
		_, err := s.finalize(ctx, a.Finalize.UserID, a.Finalize.FinalizeSessionParams, nil, false)
		return err
	}
}
