package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hmori/stepwise/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "plans.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func samplePlan(id string) *model.ExecutionPlan {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return &model.ExecutionPlan{
		ID:     id,
		Goal:   "list files then count them",
		Status: model.PlanCreated,
		Steps: []*model.PlanStep{
			{ID: id + "_step_1", Description: "list files", Command: "ls", Status: model.StepPending},
			{
				ID:           id + "_step_2",
				Description:  "count them",
				Command:      "ls | wc -l",
				Dependencies: []string{id + "_step_1"},
				Status:       model.StepPending,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOpenMissingFileIsEmptySet(t *testing.T) {
	s := newTestStore(t)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("fresh store has %d plans, want 0", len(got))
	}
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	original := samplePlan("plan_0000000001_1")
	if err := s.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh load must reproduce an identical plan.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	loaded, err := s2.Get("plan_0000000001_1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}

	if loaded.Goal != original.Goal {
		t.Errorf("goal = %q, want %q", loaded.Goal, original.Goal)
	}
	if loaded.Status != original.Status {
		t.Errorf("status = %q, want %q", loaded.Status, original.Status)
	}
	if len(loaded.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(loaded.Steps))
	}
	if loaded.Steps[0].ID != original.Steps[0].ID || loaded.Steps[1].ID != original.Steps[1].ID {
		t.Errorf("step order changed: %s, %s", loaded.Steps[0].ID, loaded.Steps[1].ID)
	}
	if len(loaded.Steps[1].Dependencies) != 1 || loaded.Steps[1].Dependencies[0] != original.Steps[1].Dependencies[0] {
		t.Errorf("dependencies = %v, want %v", loaded.Steps[1].Dependencies, original.Steps[1].Dependencies)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(samplePlan("plan_0000000001_2")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	a, _ := s.Get("plan_0000000001_2")
	a.Steps[0].Status = model.StepFailed

	b, _ := s.Get("plan_0000000001_2")
	if b.Steps[0].Status != model.StepPending {
		t.Error("mutation of a Get result leaked into the store")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("plan_0000000009_9")
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(samplePlan("plan_0000000001_3")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("plan_0000000001_3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("plan_0000000001_3") {
		t.Error("plan still present after delete")
	}
	if err := s.Delete("plan_0000000001_3"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("second delete err = %v, want ErrPlanNotFound", err)
	}
}

func TestListOrderedByCreation(t *testing.T) {
	s := newTestStore(t)

	older := samplePlan("plan_0000000001_4")
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := samplePlan("plan_0000000001_5")
	newer.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Save(newer); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(older); err != nil {
		t.Fatal(err)
	}

	got := s.List()
	if len(got) != 2 {
		t.Fatalf("list = %d plans, want 2", len(got))
	}
	if got[0].ID != older.ID || got[1].ID != newer.ID {
		t.Errorf("order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
}

func TestReloadPicksUpExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(samplePlan("plan_0000000001_6")); err != nil {
		t.Fatal(err)
	}

	// A second handle writes to the same file.
	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Save(samplePlan("plan_0000000001_7")); err != nil {
		t.Fatal(err)
	}

	if s.Exists("plan_0000000001_7") {
		t.Fatal("store saw external write without Reload")
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !s.Exists("plan_0000000001_7") {
		t.Error("Reload did not pick up external write")
	}
}

func TestUpdateAppliesOnLatestState(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(samplePlan("plan_0000000001_8")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A stale clone held by one writer must not make another writer's
	// change disappear: each Update sees the freshly persisted state.
	stale, _ := s.Get("plan_0000000001_8")
	stale.Steps[0].Status = model.StepCompleted

	err := s.Update("plan_0000000001_8", func(p *model.ExecutionPlan) error {
		now := time.Now().UTC()
		p.Cancel = model.CancelRequest{Requested: true, RequestedAt: &now}
		return nil
	})
	if err != nil {
		t.Fatalf("Update cancel: %v", err)
	}

	err = s.Update("plan_0000000001_8", func(p *model.ExecutionPlan) error {
		p.Steps[0].Status = model.StepCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("Update step: %v", err)
	}

	got, _ := s.Get("plan_0000000001_8")
	if !got.Cancel.Requested {
		t.Error("cancel request was lost")
	}
	if got.Steps[0].Status != model.StepCompleted {
		t.Error("step completion was lost")
	}
}

func TestUpdateConcurrentWritersAllLand(t *testing.T) {
	s := newTestStore(t)

	plan := samplePlan("plan_0000000001_9")
	plan.Steps = nil
	for i := 1; i <= 8; i++ {
		plan.Steps = append(plan.Steps, &model.PlanStep{
			ID:     fmt.Sprintf("%s_step_%d", plan.ID, i),
			Status: model.StepPending,
		})
	}
	if err := s.Save(plan); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	for _, step := range plan.Steps {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			err := s.Update(plan.ID, func(p *model.ExecutionPlan) error {
				p.Step(stepID).Status = model.StepCompleted
				return nil
			})
			if err != nil {
				t.Errorf("Update %s: %v", stepID, err)
			}
		}(step.ID)
	}
	wg.Wait()

	got, _ := s.Get(plan.ID)
	for _, step := range got.Steps {
		if step.Status != model.StepCompleted {
			t.Errorf("step %s = %q, lost a concurrent update", step.ID, step.Status)
		}
	}
}

func TestUpdateSkipLeavesStoreUntouched(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(samplePlan("plan_0000000002_1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before, _ := s.Get("plan_0000000002_1")

	err := s.Update("plan_0000000002_1", func(p *model.ExecutionPlan) error {
		p.Status = model.PlanCancelled
		return ErrSkipUpdate
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	after, _ := s.Get("plan_0000000002_1")
	if after.Status != before.Status {
		t.Errorf("status changed to %q despite skip", after.Status)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt advanced despite skip")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Update("plan_0000000009_9", func(p *model.ExecutionPlan) error { return nil })
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}
