// Package store implements whole-file JSON persistence for execution plans.
//
// All plans live in one JSON document mapping plan id → plan, loaded fully
// at open and rewritten atomically on every mutation. Plan volume is small;
// correctness matters more than write amplification. The store assumes a
// single owning process.
package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hmori/stepwise/internal/jsonfile"
	"github.com/hmori/stepwise/internal/model"
)

// ErrPlanNotFound is returned when a plan id is not in the store. Callers
// distinguish it with errors.Is from read or parse failures.
var ErrPlanNotFound = errors.New("plan not found")

// ErrSkipUpdate aborts an Update without persisting anything. Update
// returns nil when the mutation function returns it.
var ErrSkipUpdate = errors.New("skip update")

type Store struct {
	path string

	mu        sync.Mutex
	plans     map[string]*model.ExecutionPlan
	lastWrite time.Time
}

// Open loads all plans from path. A missing file is an empty plan set,
// not an error; the file is created on the first save.
func Open(path string) (*Store, error) {
	s := &Store{path: path, plans: make(map[string]*model.ExecutionPlan)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	plans := make(map[string]*model.ExecutionPlan)
	err := jsonfile.Read(s.path, &plans)
	if err != nil {
		if os.IsNotExist(err) {
			s.plans = make(map[string]*model.ExecutionPlan)
			return nil
		}
		return fmt.Errorf("load plans: %w", err)
	}
	s.plans = plans
	return nil
}

// Reload re-reads the plans file, discarding the in-memory copy. The
// daemon calls it when the file changes underneath us.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns a deep copy of the plan with the given id.
func (s *Store) Get(id string) (*model.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return p.Clone(), nil
}

func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.plans[id]
	return ok
}

// List returns copies of all plans ordered by creation time, oldest first.
func (s *Store) List() []*model.ExecutionPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.ExecutionPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Save persists the plan. The durable write happens before the in-memory
// copy advances: a failed write leaves the store exactly as it was, and
// the caller must not report the state change.
func (s *Store) Save(p *model.ExecutionPlan) error {
	if p.ID == "" {
		return fmt.Errorf("save plan: empty id")
	}
	cp := p.Clone()
	cp.Touch()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*model.ExecutionPlan, len(s.plans)+1)
	for id, existing := range s.plans {
		next[id] = existing
	}
	next[cp.ID] = cp

	if err := jsonfile.AtomicWrite(s.path, next); err != nil {
		return fmt.Errorf("persist plans: %w", err)
	}
	s.plans = next
	s.lastWrite = time.Now()
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

// Update applies fn to the stored plan under the store lock and persists
// the result. fn receives a deep copy of the latest persisted state, so
// concurrent writers merge their changes instead of overwriting each
// other with stale clones. Returning ErrSkipUpdate from fn leaves the
// store untouched.
func (s *Store) Update(id string, fn func(*model.ExecutionPlan) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}

	cp := p.Clone()
	if err := fn(cp); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		return err
	}
	cp.Touch()

	next := make(map[string]*model.ExecutionPlan, len(s.plans))
	for pid, existing := range s.plans {
		next[pid] = existing
	}
	next[id] = cp

	if err := jsonfile.AtomicWrite(s.path, next); err != nil {
		return fmt.Errorf("persist plans: %w", err)
	}
	s.plans = next
	s.lastWrite = time.Now()
	return nil
}

// Delete removes the plan from the store and rewrites the file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}

	next := make(map[string]*model.ExecutionPlan, len(s.plans)-1)
	for pid, p := range s.plans {
		if pid != id {
			next[pid] = p
		}
	}

	if err := jsonfile.AtomicWrite(s.path, next); err != nil {
		return fmt.Errorf("persist plans: %w", err)
	}
	s.plans = next
	s.lastWrite = time.Now()
	return nil
}

// Path returns the plans file location.
func (s *Store) Path() string {
	return s.path
}

// LastWrite returns the time of the most recent save or delete by this
// process. The daemon uses it to tell its own writes apart from external
// modifications of the plans file.
func (s *Store) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}
