// Package reconcile is the single write path for agent status. The runner,
// the vendor providers, and the completion webhooks all call Transition, so
// the monotonic lifecycle is enforced in one place: a guarded UPDATE that
// only matches allowed source statuses.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// Store is the persistence the reconciler needs.
type Store interface {
	TransitionAgentStatus(ctx context.Context, id int64, target model.AgentStatus) (bool, error)
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
}

// Change describes an applied terminal transition.
type Change struct {
	AgentID  int64
	Provider model.ProviderKind
	Status   model.AgentStatus
	At       time.Time
}

// Hook is notified after an agent reaches a terminal status.
type Hook func(ctx context.Context, c Change) error

// Reconciler applies status transitions and fans out terminal hooks.
type Reconciler struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	hooks []Hook
	wg    sync.WaitGroup
}

// New creates a Reconciler.
func New(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// AddHook registers h for terminal transitions.
func (r *Reconciler) AddHook(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Transition moves agentID to status if the current status allows it.
// Repeats and regressions are no-ops that report applied=false. Terminal
// transitions fire hooks asynchronously.
func (r *Reconciler) Transition(ctx context.Context, agentID int64, to model.AgentStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("reconcile: invalid status %q", to)
	}
	if to == model.AgentStatusPending {
		return false, nil
	}
	applied, err := r.store.TransitionAgentStatus(ctx, agentID, to)
	if err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}
	if !applied {
		r.logger.Debug("reconcile: transition skipped", "agent_id", agentID, "to", to)
		return false, nil
	}
	r.logger.Info("reconcile: status changed", "agent_id", agentID, "to", to)
	if to.IsTerminal() {
		r.fire(ctx, agentID, to)
	}
	return true, nil
}

func (r *Reconciler) fire(ctx context.Context, agentID int64, status model.AgentStatus) {
	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	change := Change{AgentID: agentID, Status: status, At: time.Now().UTC()}
	hookCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if a, err := r.store.GetAgent(hookCtx, agentID); err == nil {
			change.Provider = a.ProviderKind
		} else {
			r.logger.Warn("reconcile: load agent for hooks", "agent_id", agentID, "error", err)
		}
		for _, h := range hooks {
			r.runHook(hookCtx, h, change)
		}
	}()
}

func (r *Reconciler) runHook(ctx context.Context, h Hook, c Change) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reconcile: hook panicked", "agent_id", c.AgentID, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := h(ctx, c); err != nil {
		r.logger.Warn("reconcile: hook failed", "agent_id", c.AgentID, "status", c.Status, "error", err)
	}
}

// Wait blocks until in-flight hooks finish or ctx expires.
func (r *Reconciler) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("reconcile: hooks still running at shutdown")
	}
}

// VendorStatus maps a vendor-reported outcome to a terminal status. ok is
// false for states that are not terminal.
func VendorStatus(state string) (model.AgentStatus, bool) {
	switch state {
	case "FINISHED", "COMPLETED":
		return model.AgentStatusCompleted, true
	case "FAILED", "ERROR":
		return model.AgentStatusFailed, true
	}
	return "", false
}
