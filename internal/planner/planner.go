// Package planner turns a natural-language goal into a persisted,
// dependency-ordered execution plan.
package planner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hmori/stepwise/internal/adapter"
	"github.com/hmori/stepwise/internal/events"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/store"
)

// defaultSimpleVerbs are goal-leading words that never warrant a
// translation call; the goal runs verbatim as a single step.
var defaultSimpleVerbs = []string{"ls", "pwd", "date", "whoami", "echo", "cat", "df", "uptime"}

type Planner struct {
	store       *store.Store
	translator  adapter.Translator
	bus         *events.Bus
	simpleVerbs map[string]bool
	maxSteps    int
	logger      *log.Logger
}

type Options struct {
	// SimpleVerbs overrides the built-in heuristic allow-list.
	SimpleVerbs []string
	// MaxSteps caps a translator response; above it the planner degrades
	// to a single-step plan. Zero means no cap.
	MaxSteps int
	Bus      *events.Bus
	Logger   *log.Logger
}

func New(st *store.Store, translator adapter.Translator, opts Options) *Planner {
	verbs := opts.SimpleVerbs
	if verbs == nil {
		verbs = defaultSimpleVerbs
	}
	verbSet := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		verbSet[strings.ToLower(v)] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Planner{
		store:       st,
		translator:  translator,
		bus:         opts.Bus,
		simpleVerbs: verbSet,
		maxSteps:    opts.MaxSteps,
		logger:      logger,
	}
}

// CreatePlan decomposes goal into an ExecutionPlan and persists it before
// returning. Translation failures and malformed responses degrade to a
// single-step plan wrapping the goal; the user always gets an executable
// plan.
func (p *Planner) CreatePlan(ctx context.Context, goal string, forcePlanning bool) (*model.ExecutionPlan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("create plan: empty goal")
	}

	planID := p.newPlanID()

	var plan *model.ExecutionPlan
	if !forcePlanning && p.isTrivial(goal) {
		plan = p.singleStepPlan(planID, goal, "")
	} else {
		plan = p.translatedPlan(ctx, planID, goal)
	}

	if err := p.store.Save(plan); err != nil {
		return nil, fmt.Errorf("persist new plan: %w", err)
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:   events.EventPlanCreated,
			PlanID: plan.ID,
			Details: map[string]any{
				"goal":  plan.Goal,
				"steps": len(plan.Steps),
			},
		})
	}
	p.logger.Printf("created plan %s with %d steps", plan.ID, len(plan.Steps))
	return plan, nil
}

// newPlanID regenerates on the rare collision with a persisted plan from
// an earlier process in the same second.
func (p *Planner) newPlanID() string {
	for {
		id := model.GeneratePlanID()
		if !p.store.Exists(id) {
			return id
		}
	}
}

// isTrivial reports whether goal is simple enough to skip translation: a
// single word, or a goal led by an allow-listed simple verb.
func (p *Planner) isTrivial(goal string) bool {
	fields := strings.Fields(goal)
	if len(fields) == 1 {
		return true
	}
	return p.simpleVerbs[strings.ToLower(fields[0])]
}

func (p *Planner) translatedPlan(ctx context.Context, planID, goal string) *model.ExecutionPlan {
	proposed, err := p.translator.Translate(ctx, goal)
	if err != nil {
		p.logger.Printf("translation failed for plan %s, degrading to single step: %v", planID, err)
		return p.singleStepPlan(planID, goal, fmt.Sprintf("translation failed: %v", err))
	}

	steps, err := buildSteps(planID, proposed, p.maxSteps)
	if err != nil {
		p.logger.Printf("translator response rejected for plan %s, degrading to single step: %v", planID, err)
		return p.singleStepPlan(planID, goal, fmt.Sprintf("translator response rejected: %v", err))
	}

	now := time.Now().UTC()
	return &model.ExecutionPlan{
		ID:        planID,
		Goal:      goal,
		Steps:     steps,
		Status:    model.PlanCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// buildSteps assigns stable step ids in list order and translates every
// positional dependency index into the id of the referenced step. This
// translation happens exactly once, here; indices never survive past plan
// creation.
func buildSteps(planID string, proposed []adapter.ProposedStep, maxSteps int) ([]*model.PlanStep, error) {
	verrs := &ValidationErrors{}

	if len(proposed) == 0 {
		verrs.Add("steps", "empty step list")
		return nil, verrs
	}
	if maxSteps > 0 && len(proposed) > maxSteps {
		verrs.Add("steps", fmt.Sprintf("%d steps exceeds limit of %d", len(proposed), maxSteps))
		return nil, verrs
	}

	steps := make([]*model.PlanStep, 0, len(proposed))
	for i, ps := range proposed {
		field := fmt.Sprintf("steps[%d]", i)
		if ps.Description == "" && ps.Command == "" {
			verrs.Add(field, "missing both description and command")
			continue
		}

		var deps []string
		for _, idx := range ps.DependencyIndices {
			switch {
			case idx < 0 || idx >= len(proposed):
				verrs.Add(field, fmt.Sprintf("dependency index %d out of range", idx))
			case idx == i:
				verrs.Add(field, "step depends on itself")
			default:
				deps = append(deps, model.StepID(planID, idx+1))
			}
		}

		steps = append(steps, &model.PlanStep{
			ID:              model.StepID(planID, i+1),
			Description:     ps.Description,
			Command:         ps.Command,
			RollbackCommand: ps.RollbackCommand,
			Dependencies:    deps,
			Status:          model.StepPending,
		})
	}

	if verrs.HasErrors() {
		return nil, verrs
	}
	if _, err := ValidateStepDAG(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// singleStepPlan wraps the goal verbatim as one best-effort command.
func (p *Planner) singleStepPlan(planID, goal, fallbackReason string) *model.ExecutionPlan {
	now := time.Now().UTC()
	return &model.ExecutionPlan{
		ID:   planID,
		Goal: goal,
		Steps: []*model.PlanStep{
			{
				ID:          model.StepID(planID, 1),
				Description: fmt.Sprintf("Execute: %s", goal),
				Command:     goal,
				Status:      model.StepPending,
			},
		},
		Status:         model.PlanCreated,
		FallbackReason: fallbackReason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
