// Package executor drives execution plans step by step: dependency-aware
// ordering, per-step persistence, cooperative cancellation, and
// best-effort rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hmori/stepwise/internal/adapter"
	"github.com/hmori/stepwise/internal/events"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/store"
)

// ErrNotExecutable is returned when Execute is called on a plan that is
// neither freshly created nor resumable (failed).
var ErrNotExecutable = errors.New("plan is not in an executable state")

// ErrNotRollbackEligible is returned when Rollback is called on a plan
// that is not failed or cancelled.
var ErrNotRollbackEligible = errors.New("plan is not eligible for rollback")

type Executor struct {
	store   *store.Store
	runner  adapter.Runner
	bus     *events.Bus
	timeout time.Duration
	logger  *log.Logger
}

type Options struct {
	// CommandTimeout bounds each runner invocation. A timeout is a step
	// failure, not a distinct plan status.
	CommandTimeout time.Duration
	Bus            *events.Bus
	Logger         *log.Logger
}

func New(st *store.Store, runner adapter.Runner, opts Options) *Executor {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Executor{
		store:   st,
		runner:  runner,
		bus:     opts.Bus,
		timeout: timeout,
		logger:  logger,
	}
}

// StepOutcome reports one step's terminal state in a summary.
type StepOutcome struct {
	StepID      string           `json:"step_id"`
	Description string           `json:"description"`
	Status      model.StepStatus `json:"status"`
	ExitCode    int              `json:"exit_code"`
	DurationMS  int64            `json:"duration_ms"`
}

// Summary reports the outcome of one Execute call.
type Summary struct {
	PlanID        string           `json:"plan_id"`
	Status        model.PlanStatus `json:"status"`
	StepCount     int              `json:"step_count"`
	Completed     int              `json:"completed"`
	Failed        int              `json:"failed"`
	Skipped       int              `json:"skipped"`
	DurationMS    int64            `json:"duration_ms"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Outcomes      []StepOutcome    `json:"outcomes"`
}

// Execute drives the plan until completion, failure, or cancellation.
// Only plans in status created or failed may be executed; a failed plan
// resumes with its failed steps reset to pending and its completed steps
// left alone. One step runs at a time; every status change is persisted
// before the next action.
func (e *Executor) Execute(ctx context.Context, planID string) (*Summary, error) {
	start := time.Now()

	var stepCount int
	err := e.store.Update(planID, func(plan *model.ExecutionPlan) error {
		switch plan.Status {
		case model.PlanCreated:
			// fresh run
		case model.PlanFailed:
			resetForResume(plan)
		default:
			return fmt.Errorf("%w: %s is %s", ErrNotExecutable, planID, plan.Status)
		}
		plan.Status = model.PlanRunning
		plan.FailureReason = ""
		stepCount = len(plan.Steps)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("executing plan %s (%d steps)", planID, stepCount)

	for {
		// Always re-derive state from the latest persisted copy; a cancel
		// request lands in the store and is honored at this boundary.
		plan, err := e.store.Get(planID)
		if err != nil {
			return nil, err
		}

		if plan.Cancel.Requested {
			err := e.store.Update(planID, func(p *model.ExecutionPlan) error {
				p.Status = model.PlanCancelled
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.publishPlan(events.EventPlanCancelled, planID, nil)
			break
		}

		if plan.IsComplete() {
			err := e.store.Update(planID, func(p *model.ExecutionPlan) error {
				p.Status = model.PlanCompleted
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.publishPlan(events.EventPlanCompleted, planID, nil)
			break
		}

		ready := plan.ReadySteps()
		if len(ready) == 0 {
			// Steps remain but none can start: unresolved reference or a
			// cycle that slipped past creation. Fail fast, never hang.
			stuck := plan.PendingSteps()
			reason := fmt.Sprintf(
				"dependency deadlock: no executable steps remain; stuck steps: %s",
				strings.Join(stuck, ", "))
			err := e.store.Update(planID, func(p *model.ExecutionPlan) error {
				p.Status = model.PlanFailed
				p.FailureReason = reason
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.publishPlan(events.EventPlanFailed, planID, map[string]any{"stuck_steps": stuck})
			break
		}

		// Lowest creation ordinal first; ReadySteps preserves creation order.
		step := ready[0]
		failed, err := e.runStep(ctx, planID, step.ID)
		if err != nil {
			return nil, err
		}
		if failed {
			break
		}
	}

	return e.buildSummary(planID, time.Since(start))
}

// resetForResume returns failed steps to pending so the ready-set
// computation can reach them again. Completed and skipped steps keep
// their state; a stale cancel request is cleared.
func resetForResume(plan *model.ExecutionPlan) {
	for _, s := range plan.Steps {
		if s.Status == model.StepFailed {
			s.Status = model.StepPending
			s.Result = nil
			s.StartedAt = nil
			s.CompletedAt = nil
		}
	}
	plan.Cancel = model.CancelRequest{}
}

// runStep executes one step and persists each transition. The returned
// bool reports whether the step failed (which also fails the plan and
// stops the loop); the error is reserved for load/persist failures.
func (e *Executor) runStep(ctx context.Context, planID, stepID string) (bool, error) {
	plan, err := e.store.Get(planID)
	if err != nil {
		return false, err
	}
	step := plan.Step(stepID)
	if step == nil {
		return false, fmt.Errorf("step %s vanished from plan %s", stepID, planID)
	}

	// Informational steps carry no command and are skipped, not run.
	if step.Command == "" {
		err := e.store.Update(planID, func(p *model.ExecutionPlan) error {
			s := p.Step(stepID)
			if s == nil {
				return fmt.Errorf("step %s vanished from plan %s", stepID, planID)
			}
			now := time.Now().UTC()
			s.Status = model.StepSkipped
			s.CompletedAt = &now
			return nil
		})
		if err != nil {
			return false, err
		}
		e.publishStep(events.EventStepSkipped, planID, stepID, nil)
		return false, nil
	}

	err = e.store.Update(planID, func(p *model.ExecutionPlan) error {
		s := p.Step(stepID)
		if s == nil {
			return fmt.Errorf("step %s vanished from plan %s", stepID, planID)
		}
		now := time.Now().UTC()
		s.Status = model.StepRunning
		s.StartedAt = &now
		return nil
	})
	if err != nil {
		return false, err
	}
	e.publishStep(events.EventStepStarted, planID, stepID, nil)
	e.logger.Printf("plan %s: running step %s: %s", planID, stepID, step.Command)

	var res *adapter.RunResult
	var runErr error
	if err := validateCommandSyntax(step.Command); err != nil {
		runErr = err
	} else {
		res, runErr = e.runner.Run(ctx, step.Command, e.timeout)
	}

	// Record under the store lock: a cancel request written while the
	// command was in flight is merged, not overwritten.
	var failReason string
	err = e.store.Update(planID, func(p *model.ExecutionPlan) error {
		s := p.Step(stepID)
		if s == nil {
			return fmt.Errorf("step %s vanished from plan %s", stepID, planID)
		}
		done := time.Now().UTC()
		s.CompletedAt = &done
		s.Result = buildResult(res, runErr)

		if runErr == nil && res != nil && res.ExitCode == 0 {
			s.Status = model.StepCompleted
			return nil
		}

		s.Status = model.StepFailed
		p.Status = model.PlanFailed
		failReason = failureReason(stepID, res, runErr)
		p.FailureReason = failReason
		// Remaining pending steps are deliberately left untouched so their
		// dependency context stays intact for diagnosis and rollback.
		return nil
	})
	if err != nil {
		return false, err
	}

	if failReason == "" {
		e.publishStep(events.EventStepCompleted, planID, stepID, nil)
		return false, nil
	}
	e.publishStep(events.EventStepFailed, planID, stepID, map[string]any{"reason": failReason})
	e.publishPlan(events.EventPlanFailed, planID, map[string]any{"reason": failReason})
	e.logger.Printf("plan %s: step %s failed: %s", planID, stepID, failReason)
	return true, nil
}

func buildResult(res *adapter.RunResult, runErr error) *model.StepResult {
	out := &model.StepResult{}
	if res != nil {
		out.ExitCode = res.ExitCode
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
		out.DurationMS = res.Duration.Milliseconds()
	}
	if runErr != nil {
		if out.ExitCode == 0 {
			out.ExitCode = -1
		}
		if out.Stderr == "" {
			out.Stderr = runErr.Error()
		}
	}
	return out
}

func failureReason(stepID string, res *adapter.RunResult, runErr error) string {
	switch {
	case errors.Is(runErr, adapter.ErrCommandBlocked):
		return fmt.Sprintf("step %s blocked by safety policy: %v", stepID, runErr)
	case runErr != nil:
		return fmt.Sprintf("step %s failed: %v", stepID, runErr)
	case res != nil:
		return fmt.Sprintf("step %s exited with code %d", stepID, res.ExitCode)
	default:
		return fmt.Sprintf("step %s failed with no result", stepID)
	}
}

// validateCommandSyntax rejects commands with unmatched quotes before
// they reach the shell.
func validateCommandSyntax(command string) error {
	if strings.Count(command, `"`)%2 != 0 || strings.Count(command, `'`)%2 != 0 {
		return fmt.Errorf("unmatched quotes in command")
	}
	return nil
}

// Cancel requests cancellation. A created plan cancels immediately; a
// running plan gets a persisted cancel request honored at the next step
// boundary (an in-flight command runs to completion). Returns false,
// without error, for plans already in a terminal state.
func (e *Executor) Cancel(planID, reason string) (bool, error) {
	// The cancel flag is merged into the latest persisted state under the
	// store lock; it can race with step completion writes but never revert
	// them.
	var requested, cancelled bool
	err := e.store.Update(planID, func(plan *model.ExecutionPlan) error {
		if model.IsPlanTerminal(plan.Status) {
			return store.ErrSkipUpdate
		}
		now := time.Now().UTC()
		plan.Cancel = model.CancelRequest{Requested: true, RequestedAt: &now, Reason: reason}
		if plan.Status == model.PlanCreated {
			plan.Status = model.PlanCancelled
			cancelled = true
		}
		requested = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !requested {
		return false, nil
	}
	if cancelled {
		e.publishPlan(events.EventPlanCancelled, planID, nil)
	}
	e.logger.Printf("cancel requested for plan %s", planID)
	return true, nil
}

// RollbackOutcome classification.
const (
	RollbackReversed      = "reversed"
	RollbackNotReversible = "not_reversible"
	RollbackFailed        = "failed"
)

type RollbackOutcome struct {
	StepID          string `json:"step_id"`
	RollbackCommand string `json:"rollback_command,omitempty"`
	Outcome         string `json:"outcome"`
	Error           string `json:"error,omitempty"`
}

type RollbackSummary struct {
	PlanID        string            `json:"plan_id"`
	Reversed      int               `json:"reversed"`
	NotReversible int               `json:"not_reversible"`
	Failed        int               `json:"failed"`
	Outcomes      []RollbackOutcome `json:"outcomes"`
}

// Rollback walks completed steps in reverse completion order and runs
// each declared rollback command. Steps without one are reported as not
// reversible; individual failures are recorded and the pass continues.
// The plan ends rolled_back regardless of per-step results.
func (e *Executor) Rollback(ctx context.Context, planID string) (*RollbackSummary, error) {
	plan, err := e.store.Get(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != model.PlanFailed && plan.Status != model.PlanCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRollbackEligible, planID, plan.Status)
	}

	summary := &RollbackSummary{PlanID: planID}

	for _, step := range reverseCompletionOrder(plan) {
		if step.RollbackCommand == "" {
			summary.NotReversible++
			summary.Outcomes = append(summary.Outcomes, RollbackOutcome{
				StepID:  step.ID,
				Outcome: RollbackNotReversible,
			})
			continue
		}

		e.logger.Printf("plan %s: rolling back step %s: %s", planID, step.ID, step.RollbackCommand)
		res, runErr := e.runner.Run(ctx, step.RollbackCommand, e.timeout)
		if runErr == nil && res != nil && res.ExitCode != 0 {
			runErr = fmt.Errorf("rollback command exited with code %d", res.ExitCode)
		}

		outcome := RollbackOutcome{StepID: step.ID, RollbackCommand: step.RollbackCommand}
		if runErr != nil {
			summary.Failed++
			outcome.Outcome = RollbackFailed
			outcome.Error = runErr.Error()
		} else {
			summary.Reversed++
			outcome.Outcome = RollbackReversed
			err := e.store.Update(planID, func(p *model.ExecutionPlan) error {
				if s := p.Step(step.ID); s != nil {
					s.Status = model.StepRolledBack
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	err = e.store.Update(planID, func(p *model.ExecutionPlan) error {
		p.Status = model.PlanRolledBack
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publishPlan(events.EventPlanRolledBack, planID, map[string]any{
		"reversed":       summary.Reversed,
		"not_reversible": summary.NotReversible,
		"failed":         summary.Failed,
	})
	return summary, nil
}

// reverseCompletionOrder returns the completed steps most recently
// completed first; ties fall back to reverse creation order.
func reverseCompletionOrder(plan *model.ExecutionPlan) []*model.PlanStep {
	ordinal := make(map[string]int, len(plan.Steps))
	var completed []*model.PlanStep
	for i, s := range plan.Steps {
		ordinal[s.ID] = i
		if s.Status == model.StepCompleted {
			completed = append(completed, s)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		a, b := completed[i], completed[j]
		switch {
		case a.CompletedAt == nil || b.CompletedAt == nil:
			return ordinal[a.ID] > ordinal[b.ID]
		case a.CompletedAt.Equal(*b.CompletedAt):
			return ordinal[a.ID] > ordinal[b.ID]
		default:
			return a.CompletedAt.After(*b.CompletedAt)
		}
	})
	return completed
}

func (e *Executor) buildSummary(planID string, elapsed time.Duration) (*Summary, error) {
	plan, err := e.store.Get(planID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		PlanID:        planID,
		Status:        plan.Status,
		StepCount:     len(plan.Steps),
		DurationMS:    elapsed.Milliseconds(),
		FailureReason: plan.FailureReason,
	}
	for _, step := range plan.Steps {
		switch step.Status {
		case model.StepCompleted:
			s.Completed++
		case model.StepFailed:
			s.Failed++
		case model.StepSkipped:
			s.Skipped++
		}
		out := StepOutcome{
			StepID:      step.ID,
			Description: step.Description,
			Status:      step.Status,
		}
		if step.Result != nil {
			out.ExitCode = step.Result.ExitCode
			out.DurationMS = step.Result.DurationMS
		}
		s.Outcomes = append(s.Outcomes, out)
	}
	return s, nil
}

func (e *Executor) publishPlan(t events.EventType, planID string, details map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, PlanID: planID, Details: details})
}

func (e *Executor) publishStep(t events.EventType, planID, stepID string, details map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, PlanID: planID, StepID: stepID, Details: details})
}
