package queue

import (
	"context"
	"sync"
	"time"

	"github.com/plasticity/resultsync/internal/models"
)

const (
	testSessionID = "6f1c2a4e-8b3d-4c5e-9f7a-1b2c3d4e5f60"
	testUserID    = "0b7e3a52-5d1f-4a8e-b6c9-2f3e4d5a6b7c"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func sampleActions() []Action {
	create := NewCreate(testUserID, models.CreateSessionParams{
		GameID:          "n-back",
		DifficultyStart: models.Float(2),
		Metadata:        map[string]any{"source": "golden"},
		SessionID:       testSessionID,
		StartedAt:       t0,
		IdempotencyKey:  testSessionID,
	}, t0.Add(time.Second))

	trial := NewTrial(testUserID, testSessionID, models.TrialResult{
		Index:     0,
		TrialData: map[string]any{"stimulus": "A"},
		Score:     models.StandardScore{Accuracy: 1, TimeMs: 450, ScoreTotal: 1200, Extras: map[string]any{}},
	}, t0.Add(2*time.Second))

	finalize := NewFinalize(testUserID, models.FinalizeSessionParams{
		SessionID:     testSessionID,
		DifficultyEnd: models.Float(3),
		Summary:       models.ResultSummary{AccuracyAvg: 1, TimeAvgMs: 450, ScoreTotal: 1200},
		EndedAt:       t0.Add(time.Minute),
		DurationMs:    models.Int64(60000),
	}, t0.Add(time.Minute))

	return []Action{create, trial, finalize}
}

func createFor(sessionID string) Action {
	return NewCreate(testUserID, models.CreateSessionParams{
		GameID:    "stroop",
		SessionID: sessionID,
		StartedAt: t0,
	}, t0)
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records scheduled delays and fires timers on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

func (c *fakeClock) lastDelay() time.Duration {
	d := c.delays()
	if len(d) == 0 {
		return 0
	}
	return d[len(d)-1]
}

// fireArmed runs the newest armed timer and reports whether there was one.
func (c *fakeClock) fireArmed() bool {
	c.mu.Lock()
	var armed *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			armed = c.timers[i]
			break
		}
	}
	if armed != nil {
		armed.stopped = true
	}
	c.mu.Unlock()

	if armed == nil {
		return false
	}
	armed.f()
	return true
}

type replayFunc func(ctx context.Context, a Action) error

func (f replayFunc) Replay(ctx context.Context, a Action) error {
	return f(ctx, a)
}
