// Package model defines Stepwise's plan data structures, status state
// machines, identifier generation, and configuration.
package model

import "time"

// StepResult captures the outcome of one command invocation.
type StepResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// PlanStep is one unit of work within an ExecutionPlan, mapped to exactly
// one executable command and optionally one reversing command. A step with
// an empty command is informational and is skipped rather than executed.
type PlanStep struct {
	ID              string      `json:"id"`
	Description     string      `json:"description"`
	Command         string      `json:"command,omitempty"`
	RollbackCommand string      `json:"rollback_command,omitempty"`
	Dependencies    []string    `json:"dependencies,omitempty"`
	Status          StepStatus  `json:"status"`
	Result          *StepResult `json:"result,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Satisfied reports whether this step, as a dependency of another step,
// no longer blocks it. Skipped informational steps never block dependents.
func (s *PlanStep) Satisfied() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// CancelRequest records a cooperative cancellation request. The executor
// re-reads it from the store at every loop boundary; an in-flight command
// always runs to completion.
type CancelRequest struct {
	Requested   bool       `json:"requested"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// ExecutionPlan is a persisted, ordered collection of steps derived from
// one natural-language goal. Step insertion order is creation order and is
// used as the deterministic tie-break, not as execution order.
type ExecutionPlan struct {
	ID             string        `json:"id"`
	Goal           string        `json:"goal"`
	Steps          []*PlanStep   `json:"steps"`
	Status         PlanStatus    `json:"status"`
	Cancel         CancelRequest `json:"cancel"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Step returns the step with the given id, or nil.
func (p *ExecutionPlan) Step(id string) *PlanStep {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ReadySteps returns, in creation order, the pending steps whose every
// dependency is satisfied. A dependency referencing an unknown step id is
// never satisfied; such steps surface as a deadlock diagnostic instead.
func (p *ExecutionPlan) ReadySteps() []*PlanStep {
	var ready []*PlanStep
	for _, s := range p.Steps {
		if s.Status != StepPending {
			continue
		}
		blocked := false
		for _, depID := range s.Dependencies {
			dep := p.Step(depID)
			if dep == nil || !dep.Satisfied() {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, s)
		}
	}
	return ready
}

// PendingSteps returns the ids of steps still pending.
func (p *ExecutionPlan) PendingSteps() []string {
	var ids []string
	for _, s := range p.Steps {
		if s.Status == StepPending {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// IsComplete reports whether every step is completed or skipped.
func (p *ExecutionPlan) IsComplete() bool {
	for _, s := range p.Steps {
		if !s.Satisfied() {
			return false
		}
	}
	return true
}

// Progress is derived from step statuses on every call, never stored.
type Progress struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
	Percent        float64 `json:"percent"`
}

func (p *ExecutionPlan) Progress() Progress {
	pr := Progress{TotalSteps: len(p.Steps)}
	for _, s := range p.Steps {
		switch s.Status {
		case StepCompleted:
			pr.CompletedSteps++
		case StepFailed:
			pr.FailedSteps++
		case StepSkipped:
			pr.SkippedSteps++
		}
	}
	if pr.TotalSteps > 0 {
		pr.Percent = float64(pr.CompletedSteps) / float64(pr.TotalSteps) * 100
	}
	return pr
}

// Touch refreshes UpdatedAt. Callers invoke it on every mutation.
func (p *ExecutionPlan) Touch() {
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. The store hands out clones so that callers
// mutating a plan before saving never race readers of the shared copy.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	cp := *p
	cp.Steps = make([]*PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		if s.Dependencies != nil {
			sc.Dependencies = append([]string(nil), s.Dependencies...)
		}
		if s.Result != nil {
			r := *s.Result
			sc.Result = &r
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		cp.Steps[i] = &sc
	}
	if p.Cancel.RequestedAt != nil {
		t := *p.Cancel.RequestedAt
		cp.Cancel.RequestedAt = &t
	}
	return &cp
}
