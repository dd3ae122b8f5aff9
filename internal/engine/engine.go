// Package engine ties the planner, executor, and plan store together
// behind the operations the daemon exposes. It owns the per-plan
// execution locks: one plan, one Execute at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hmori/stepwise/internal/events"
	"github.com/hmori/stepwise/internal/executor"
	"github.com/hmori/stepwise/internal/lock"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/planner"
	"github.com/hmori/stepwise/internal/store"
)

// ErrPlanBusy is returned when an operation needs exclusive access to a
// plan that is currently executing.
var ErrPlanBusy = errors.New("plan is currently executing")

type Engine struct {
	store    *store.Store
	planner  *planner.Planner
	executor *executor.Executor
	bus      *events.Bus
	locks    *lock.MutexMap
	logger   *log.Logger
}

func New(st *store.Store, pl *planner.Planner, ex *executor.Executor, bus *events.Bus, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		planner:  pl,
		executor: ex,
		bus:      bus,
		locks:    lock.NewMutexMap(),
		logger:   logger,
	}
}

func (e *Engine) CreatePlan(ctx context.Context, goal string, forcePlanning bool) (*model.ExecutionPlan, error) {
	return e.planner.CreatePlan(ctx, goal, forcePlanning)
}

// PlanListing is the condensed view returned by ListPlans. Percent is
// 0-100, derived from step statuses.
type PlanListing struct {
	ID      string           `json:"id"`
	Goal    string           `json:"goal"`
	Status  model.PlanStatus `json:"status"`
	Steps   int              `json:"steps"`
	Percent float64          `json:"percent"`
}

func (e *Engine) ListPlans() []PlanListing {
	plans := e.store.List()
	out := make([]PlanListing, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanListing{
			ID:      p.ID,
			Goal:    p.Goal,
			Status:  p.Status,
			Steps:   len(p.Steps),
			Percent: p.Progress().Percent,
		})
	}
	return out
}

func (e *Engine) GetPlan(id string) (*model.ExecutionPlan, error) {
	return e.store.Get(id)
}

// ExecutePlan runs the plan to a terminal state. Concurrent Execute calls
// on the same plan are rejected rather than queued; different plans run
// independently.
func (e *Engine) ExecutePlan(ctx context.Context, id string) (*executor.Summary, error) {
	if !e.locks.TryLock(id) {
		return nil, fmt.Errorf("%w: %s", ErrPlanBusy, id)
	}
	defer e.locks.Unlock(id)
	return e.executor.Execute(ctx, id)
}

// CancelPlan requests cancellation. It never takes the execution lock:
// the whole point is reaching a plan that is mid-Execute.
func (e *Engine) CancelPlan(id, reason string) (bool, error) {
	return e.executor.Cancel(id, reason)
}

func (e *Engine) RollbackPlan(ctx context.Context, id string) (*executor.RollbackSummary, error) {
	if !e.locks.TryLock(id) {
		return nil, fmt.Errorf("%w: %s", ErrPlanBusy, id)
	}
	defer e.locks.Unlock(id)
	return e.executor.Rollback(ctx, id)
}

// DeletePlan removes a plan from the store. Plans mid-execution are
// refused; cancel first.
func (e *Engine) DeletePlan(id string) error {
	if !e.locks.TryLock(id) {
		return fmt.Errorf("%w: %s", ErrPlanBusy, id)
	}
	defer e.locks.Unlock(id)

	plan, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if plan.Status == model.PlanRunning {
		return fmt.Errorf("%w: cancel it before deleting", ErrPlanBusy)
	}

	if err := e.store.Delete(id); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventPlanDeleted, PlanID: id})
	}
	e.logger.Printf("deleted plan %s", id)
	return nil
}
