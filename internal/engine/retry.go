package engine

import (
	"context"
	"errors"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/worker"
)

// hold keeps an envelope whose processing failed until the retry task runs.
func (e *Engine) hold(env api.Envelope) {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	e.held = append(e.held, env)
}

// Held returns the number of envelopes waiting for a retry.
func (e *Engine) Held() int {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	return len(e.held)
}

func (e *Engine) takeHeld() []api.Envelope {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	held := e.held
	e.held = nil
	return held
}

// RetryTask returns the worker task that puts held envelopes back on the
// queue. Envelopes are re-admitted from scratch, so one that became a
// duplicate in the meantime is dropped.
func (e *Engine) RetryTask() worker.Task {
	return retryTask{e: e}
}

type retryTask struct {
	e *Engine
}

func (retryTask) Kind() worker.Kind { return worker.KindRetry }

func (t retryTask) Tick(_ context.Context, cycleID string) error {
	held := t.e.takeHeld()
	for i, env := range held {
		if !t.e.queue.Enqueue(env) {
			for _, rest := range held[i:] {
				t.e.hold(rest)
			}
			return errors.New("engine stopped")
		}
	}
	if len(held) > 0 {
		t.e.cfg.Logger.Info("held envelopes re-enqueued", "cycle_id", cycleID, "count", len(held))
	}
	return nil
}
