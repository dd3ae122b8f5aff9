package model

import "fmt"

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepReady      StepStatus = "ready"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

type PlanStatus string

const (
	PlanCreated    PlanStatus = "created"
	PlanRunning    PlanStatus = "running"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanCancelled  PlanStatus = "cancelled"
	PlanRolledBack PlanStatus = "rolled_back"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepCompleted:  true,
	StepFailed:     true,
	StepSkipped:    true,
	StepRolledBack: true,
}

var terminalPlanStatuses = map[PlanStatus]bool{
	PlanCompleted:  true,
	PlanFailed:     true,
	PlanCancelled:  true,
	PlanRolledBack: true,
}

// Step transitions: pending → ready → running → terminal.
// completed → rolled_back happens during a rollback pass, and
// failed → pending happens when a failed plan is re-executed.
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepReady:   true,
		StepRunning: true,
		StepSkipped: true,
		StepFailed:  true,
	},
	StepReady: {
		StepRunning: true,
		StepPending: true,
	},
	StepRunning: {
		StepCompleted: true,
		StepFailed:    true,
	},
	StepCompleted: {
		StepRolledBack: true,
	},
	StepFailed: {
		StepPending: true, // retry on plan re-execution
	},
}

// Plan transitions. failed is resumable (failed → running) and both
// failed and cancelled are rollback-eligible.
var validPlanTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanCreated: {
		PlanRunning:   true,
		PlanCancelled: true,
	},
	PlanRunning: {
		PlanCompleted: true,
		PlanFailed:    true,
		PlanCancelled: true,
	},
	PlanFailed: {
		PlanRunning:    true,
		PlanRolledBack: true,
	},
	PlanCancelled: {
		PlanRolledBack: true,
	},
}

func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

func IsPlanTerminal(s PlanStatus) bool {
	return terminalPlanStatuses[s]
}

func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePlanTransition(from, to PlanStatus) error {
	allowed, ok := validPlanTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from plan status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid plan transition: %q → %q", from, to)
	}
	return nil
}
