package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hmori/stepwise/internal/engine"
	"github.com/hmori/stepwise/internal/executor"
	"github.com/hmori/stepwise/internal/store"
	"github.com/hmori/stepwise/internal/uds"
)

// errBadParams marks request decoding failures so the error mapper can
// distinguish them from engine errors.
var errBadParams = errors.New("invalid params")

type planIDParams struct {
	PlanID string `json:"plan_id"`
}

func decodePlanID(params json.RawMessage) (string, error) {
	var p planIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("%w: %v", errBadParams, err)
	}
	if p.PlanID == "" {
		return "", fmt.Errorf("%w: plan_id is required", errBadParams)
	}
	return p.PlanID, nil
}

func (d *Daemon) registerHandlers() {
	d.server.SetErrorMapper(mapEngineError)

	d.server.Handle("ping", func(json.RawMessage) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})

	d.server.Handle("shutdown", func(json.RawMessage) (any, error) {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	})

	d.server.Handle("plan.create", d.handlePlanCreate)
	d.server.Handle("plan.list", d.handlePlanList)
	d.server.Handle("plan.get", d.handlePlanGet)
	d.server.Handle("plan.execute", d.handlePlanExecute)
	d.server.Handle("plan.cancel", d.handlePlanCancel)
	d.server.Handle("plan.rollback", d.handlePlanRollback)
	d.server.Handle("plan.delete", d.handlePlanDelete)
}

func mapEngineError(err error) string {
	switch {
	case errors.Is(err, errBadParams):
		return uds.ErrCodeValidation
	case errors.Is(err, store.ErrPlanNotFound):
		return uds.ErrCodeNotFound
	case errors.Is(err, engine.ErrPlanBusy):
		return uds.ErrCodeConflict
	case errors.Is(err, executor.ErrNotExecutable),
		errors.Is(err, executor.ErrNotRollbackEligible):
		return uds.ErrCodeConflict
	default:
		return uds.ErrCodeInternal
	}
}

func (d *Daemon) handlePlanCreate(params json.RawMessage) (any, error) {
	var p struct {
		Goal          string `json:"goal"`
		ForcePlanning bool   `json:"force_planning"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	if p.Goal == "" {
		return nil, fmt.Errorf("%w: goal is required", errBadParams)
	}

	plan, err := d.engine.CreatePlan(context.Background(), p.Goal, p.ForcePlanning)
	if err != nil {
		d.log(LogLevelWarn, "plan.create error=%v", err)
		return nil, err
	}
	d.log(LogLevelInfo, "plan.create id=%s steps=%d", plan.ID, len(plan.Steps))
	return plan, nil
}

func (d *Daemon) handlePlanList(json.RawMessage) (any, error) {
	return map[string]any{"plans": d.engine.ListPlans()}, nil
}

func (d *Daemon) handlePlanGet(params json.RawMessage) (any, error) {
	id, err := decodePlanID(params)
	if err != nil {
		return nil, err
	}
	return d.engine.GetPlan(id)
}

// handlePlanExecute runs the plan synchronously; the CLI holds the
// connection open for the duration. Concurrent executes on the same plan
// are rejected by the engine.
func (d *Daemon) handlePlanExecute(params json.RawMessage) (any, error) {
	id, err := decodePlanID(params)
	if err != nil {
		return nil, err
	}
	summary, err := d.engine.ExecutePlan(context.Background(), id)
	if err != nil {
		d.log(LogLevelWarn, "plan.execute id=%s error=%v", id, err)
		return nil, err
	}
	d.log(LogLevelInfo, "plan.execute id=%s status=%s", id, summary.Status)
	return summary, nil
}

func (d *Daemon) handlePlanCancel(params json.RawMessage) (any, error) {
	var p struct {
		PlanID string `json:"plan_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	if p.PlanID == "" {
		return nil, fmt.Errorf("%w: plan_id is required", errBadParams)
	}

	requested, err := d.engine.CancelPlan(p.PlanID, p.Reason)
	if err != nil {
		return nil, err
	}
	d.log(LogLevelInfo, "plan.cancel id=%s requested=%t", p.PlanID, requested)
	return map[string]bool{"cancel_requested": requested}, nil
}

func (d *Daemon) handlePlanRollback(params json.RawMessage) (any, error) {
	id, err := decodePlanID(params)
	if err != nil {
		return nil, err
	}
	summary, err := d.engine.RollbackPlan(context.Background(), id)
	if err != nil {
		d.log(LogLevelWarn, "plan.rollback id=%s error=%v", id, err)
		return nil, err
	}
	d.log(LogLevelInfo, "plan.rollback id=%s reversed=%d not_reversible=%d failed=%d",
		id, summary.Reversed, summary.NotReversible, summary.Failed)
	return summary, nil
}

func (d *Daemon) handlePlanDelete(params json.RawMessage) (any, error) {
	id, err := decodePlanID(params)
	if err != nil {
		return nil, err
	}
	if err := d.engine.DeletePlan(id); err != nil {
		return nil, err
	}
	d.log(LogLevelInfo, "plan.delete id=%s", id)
	return map[string]string{"deleted": id}, nil
}
