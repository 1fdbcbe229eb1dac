// Package queue is the durable retry buffer for result writes that failed
// on connectivity. Actions replay in order with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/plasticity/resultsync/internal/fallback"
	"github.com/plasticity/resultsync/pkg/logger"
)

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultNudgeDelay = 250 * time.Millisecond
)

// ErrFlushInProgress is returned by Flush while another flush is running.
var ErrFlushInProgress = errors.New("flush already in progress")

// Replayer commits one queued action. It must not enqueue on failure.
type Replayer interface {
	Replay(ctx context.Context, action Action) error
}

// Timer is the handle of a scheduled flush.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// Options tunes the scheduler. Zero fields take the defaults.
type Options struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	NudgeDelay time.Duration
	AfterFunc  AfterFunc
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = max(DefaultMaxDelay, o.BaseDelay)
	}
	if o.NudgeDelay <= 0 {
		o.NudgeDelay = DefaultNudgeDelay
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue persists pending actions and drains them through a Replayer.
type Queue struct {
	storage  Storage
	replayer Replayer
	log      *logger.Logger
	opts     Options

	mu       sync.Mutex
	timer    Timer
	backoff  time.Duration
	flushing bool
	closed   bool
}

// New creates a queue over storage.
func New(storage Storage, replayer Replayer, log *logger.Logger, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		storage:  storage,
		replayer: replayer,
		log:      log,
		opts:     opts,
		backoff:  opts.BaseDelay,
	}
}

// Enqueue appends action to the persisted queue and schedules a flush.
func (q *Queue) Enqueue(ctx context.Context, action Action) error {
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = q.opts.Now().UTC()
	}
	if err := action.Validate(); err != nil {
		return err
	}

	pending := 0
	err := q.storage.Modify(ctx, func(actions []Action) []Action {
		pending = len(actions) + 1
		return append(actions, action)
	})
	if err != nil {
		return err
	}

	q.log.Info("Queued pending action",
		logger.F("kind", string(action.Kind)),
		logger.F("session_id", action.SessionID()),
		logger.F("pending", pending),
	)
	q.schedule()
	return nil
}

// Resume schedules a flush when actions survived from a previous run.
func (q *Queue) Resume(ctx context.Context) error {
	actions, err := q.Pending(ctx)
	if err != nil {
		return err
	}
	if len(actions) > 0 {
		q.log.Info("Resuming pending queue", logger.F("pending", len(actions)))
		q.schedule()
	}
	return nil
}

// Pending returns the queued actions in replay order.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	return q.storage.Load(ctx)
}

// PendingFor reports the queued actions that mutate sessionID.
func (q *Queue) PendingFor(ctx context.Context, sessionID string) ([]Action, error) {
	actions, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out []Action
	for _, a := range actions {
		if a.SessionID() == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Backoff returns the delay the next scheduled flush will use.
func (q *Queue) Backoff() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoff
}

// Nudge reschedules a flush in the near term regardless of backoff.
// Call it when connectivity is restored.
func (q *Queue) Nudge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.opts.AfterFunc(q.opts.NudgeDelay, q.fire)
}

// Close stops the scheduled flush. Queued actions stay persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// schedule arms the timer at the current backoff unless one is pending.
func (q *Queue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.timer != nil {
		return
	}
	q.timer = q.opts.AfterFunc(q.backoff, q.fire)
}

func (q *Queue) fire() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()

	drained, err := q.Flush(context.Background())
	if errors.Is(err, ErrFlushInProgress) {
		q.schedule()
		return
	}

	q.mu.Lock()
	if drained {
		q.backoff = q.opts.BaseDelay
		q.mu.Unlock()
		return
	}
	q.backoff = min(q.backoff*2, q.opts.MaxDelay)
	q.mu.Unlock()
	q.schedule()
}

// Flush replays every queued action in order and reports whether the queue
// drained. Network failures stay queued, along with every later action for
// the same session. Any other failure drops the action with a warning.
// Only the actions this flush finished are removed from storage, so actions
// enqueued meanwhile, here or by another process sharing the storage, stay.
func (q *Queue) Flush(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return false, ErrFlushInProgress
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	actions, err := q.Pending(ctx)
	if err != nil {
		return false, err
	}
	if len(actions) == 0 {
		return true, nil
	}

	finished := make(map[string]int)
	kept := 0
	blocked := make(map[string]bool)
	for i, action := range actions {
		if ctx.Err() != nil {
			kept += len(actions) - i
			break
		}
		sessionID := action.SessionID()
		if blocked[sessionID] {
			kept++
			continue
		}

		err := q.replayer.Replay(ctx, action)
		switch {
		case err == nil:
		case fallback.IsNetwork(err):
			blocked[sessionID] = true
			kept++
			continue
		default:
			q.log.Warn("Dropping pending action after repeated failure",
				logger.F("kind", string(action.Kind)),
				logger.F("session_id", sessionID),
				logger.Err(err),
			)
		}
		key, err := actionKey(action)
		if err != nil {
			return false, err
		}
		finished[key]++
	}

	pending := 0
	err = q.storage.Modify(context.WithoutCancel(ctx), func(current []Action) []Action {
		left := maps.Clone(finished)
		var remaining []Action
		for _, a := range current {
			if key, err := actionKey(a); err == nil && left[key] > 0 {
				left[key]--
				continue
			}
			remaining = append(remaining, a)
		}
		pending = len(remaining)
		return remaining
	})
	if err != nil {
		return false, err
	}

	q.log.Info("Flushed pending queue",
		logger.F("attempted", len(actions)),
		logger.F("kept", kept),
		logger.F("pending", pending),
	)
	return kept == 0, nil
}

// actionKey identifies an action by its full encoded content.
func actionKey(a Action) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
