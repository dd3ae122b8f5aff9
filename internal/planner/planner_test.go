package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmori/stepwise/internal/adapter"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/store"
)

type fakeTranslator struct {
	steps []adapter.ProposedStep
	err   error
	calls int
}

func (f *fakeTranslator) Translate(ctx context.Context, goal string) ([]adapter.ProposedStep, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.steps, nil
}

func newTestPlanner(t *testing.T, tr adapter.Translator) (*Planner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "plans.json"))
	require.NoError(t, err)
	return New(st, tr, Options{}), st
}

func TestCreatePlan_TranslatesIndicesToStepIDs(t *testing.T) {
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "list files", Command: "ls"},
		{Description: "count them", Command: "ls | wc -l", DependencyIndices: []int{0}},
	}}
	p, st := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "list files then count them", true)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	// The second step's dependency must be the first step's string id,
	// never the literal index.
	require.Len(t, plan.Steps[1].Dependencies, 1)
	assert.Equal(t, plan.Steps[0].ID, plan.Steps[1].Dependencies[0])
	assert.Equal(t, plan.ID+"_step_1", plan.Steps[0].ID)
	assert.Equal(t, plan.ID+"_step_2", plan.Steps[1].ID)

	// The plan is persisted before CreatePlan returns.
	assert.True(t, st.Exists(plan.ID))
	persisted, err := st.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanCreated, persisted.Status)
}

func TestCreatePlan_TranslatorUnavailableFallsBack(t *testing.T) {
	tr := &fakeTranslator{err: adapter.ErrTranslatorUnavailable}
	p, _ := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "backup my files", true)
	require.NoError(t, err)

	assert.Equal(t, model.PlanCreated, plan.Status)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "backup my files", plan.Steps[0].Command)
	assert.NotEmpty(t, plan.FallbackReason)
}

func TestCreatePlan_OutOfRangeIndexFallsBack(t *testing.T) {
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "a", Command: "true"},
		{Description: "b", Command: "true", DependencyIndices: []int{7}},
	}}
	p, _ := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "do things", true)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Contains(t, plan.FallbackReason, "out of range")
}

func TestCreatePlan_SelfReferenceFallsBack(t *testing.T) {
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "a", Command: "true", DependencyIndices: []int{0}},
	}}
	p, _ := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "do things", true)
	require.NoError(t, err)
	assert.Contains(t, plan.FallbackReason, "depends on itself")
}

func TestCreatePlan_CyclicProposalFallsBack(t *testing.T) {
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "a", Command: "true", DependencyIndices: []int{1}},
		{Description: "b", Command: "true", DependencyIndices: []int{0}},
	}}
	p, _ := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "do things", true)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Contains(t, plan.FallbackReason, "cycle")
}

func TestCreatePlan_TrivialGoalSkipsTranslator(t *testing.T) {
	tr := &fakeTranslator{}
	p, _ := newTestPlanner(t, tr)

	plan, err := p.CreatePlan(context.Background(), "pwd", false)
	require.NoError(t, err)
	assert.Zero(t, tr.calls, "trivial goal must not invoke the translator")
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "pwd", plan.Steps[0].Command)
	assert.Empty(t, plan.FallbackReason)
}

func TestCreatePlan_SimpleVerbSkipsTranslator(t *testing.T) {
	tr := &fakeTranslator{}
	p, _ := newTestPlanner(t, tr)

	_, err := p.CreatePlan(context.Background(), "ls -la /tmp", false)
	require.NoError(t, err)
	assert.Zero(t, tr.calls)
}

func TestCreatePlan_ForcePlanningOverridesHeuristic(t *testing.T) {
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "just list", Command: "ls"},
	}}
	p, _ := newTestPlanner(t, tr)

	_, err := p.CreatePlan(context.Background(), "ls", true)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls, "force_planning must always call the translator")
}

func TestCreatePlan_EmptyGoalRejected(t *testing.T) {
	p, _ := newTestPlanner(t, &fakeTranslator{})
	_, err := p.CreatePlan(context.Background(), "   ", false)
	require.Error(t, err)
}

func TestCreatePlan_MaxStepsExceededFallsBack(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "plans.json"))
	require.NoError(t, err)
	tr := &fakeTranslator{steps: []adapter.ProposedStep{
		{Description: "a", Command: "true"},
		{Description: "b", Command: "true"},
		{Description: "c", Command: "true"},
	}}
	p := New(st, tr, Options{MaxSteps: 2})

	plan, err := p.CreatePlan(context.Background(), "do many things", true)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Contains(t, plan.FallbackReason, "exceeds limit")
}
