package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

// Autopilot drives workflows forward without an external caller. Each
// active workflow gets its own poller that fingerprints the current
// state and dispatches once whenever the fingerprint changes, so a
// stable state is never double-dispatched. Pollers stop when their
// workflow reaches a terminal state, pauses, or the autopilot shuts
// down.
type Autopilot struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewAutopilot creates an autopilot polling at the given interval.
func NewAutopilot(engine *Engine, interval time.Duration, logger *slog.Logger) *Autopilot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autopilot{
		engine:   engine,
		interval: interval,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run scans the store, keeping one poller per active workflow. It
// blocks until ctx is cancelled, then waits for every poller to stop.
func (a *Autopilot) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			a.stopAll()
			a.wg.Wait()
			return
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

func (a *Autopilot) scan(ctx context.Context) {
	workflows, err := a.engine.List()
	if err != nil {
		a.logger.Warn("autopilot scan failed", slog.String("error", err.Error()))
		return
	}
	for _, wf := range workflows {
		if a.done(wf) {
			a.stop(wf.WorkflowID)
			continue
		}
		a.ensure(ctx, wf.WorkflowID)
	}
}

// done reports whether a workflow no longer needs polling.
func (a *Autopilot) done(wf *store.State) bool {
	if wf.Paused {
		return true
	}
	def, ok := a.engine.defs.Get(wf.WorkflowType)
	if !ok {
		return true
	}
	stateDef, ok := def.State(wf.CurrentState)
	return ok && stateDef.Kind == definition.KindTerminal && wf.Parent == nil
}

func (a *Autopilot) ensure(ctx context.Context, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, running := a.cancels[id]; running {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancels[id] = cancel
	a.wg.Add(1)
	go a.poll(pollCtx, id)
}

func (a *Autopilot) stop(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.cancels[id]; ok {
		cancel()
		delete(a.cancels, id)
	}
}

func (a *Autopilot) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
}

// poll dispatches once per fingerprint change. The fingerprint covers
// (current_state, entered_at, retries), so a retry on the same state
// triggers a fresh dispatch but an untouched state does not.
func (a *Autopilot) poll(ctx context.Context, id string) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		wf, err := a.engine.Get(id)
		if err != nil {
			a.logger.Warn("autopilot poll failed",
				slog.String("workflow_id", id),
				slog.String("error", err.Error()))
			return
		}
		if wf.Paused {
			continue
		}
		fp := fingerprint(wf)
		if fp == last {
			continue
		}
		last = fp
		if _, err := a.engine.DispatchCurrentState(ctx, id); err != nil {
			a.logger.Warn("autopilot dispatch failed",
				slog.String("workflow_id", id),
				slog.String("error", err.Error()))
		}
	}
}

func fingerprint(wf *store.State) string {
	entered := ""
	retries := 0
	if last := wf.LastHistory(); last != nil {
		entered = last.EnteredAt.Format(time.RFC3339Nano)
		retries = last.Retries
	}
	return fmt.Sprintf("%s|%s|%d", wf.CurrentState, entered, retries)
}
