package recovery

import (
	"context"
	"fmt"
	"log"
)

// Step is one unit of a multi-step operation. Compensate undoes a
// completed Execute. Steps hold no shared mutable state; everything a
// step needs travels through its context or its own fields.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga runs an ordered list of steps. On any step failure, previously
// completed steps are compensated in strict reverse order. Compensation
// is best-effort: a failed compensation is logged and the rollback
// continues.
type Saga struct {
	name  string
	steps []Step
}

// NewSaga creates a named saga from its steps.
func NewSaga(name string, steps ...Step) *Saga {
	return &Saga{name: name, steps: steps}
}

// Run executes the steps in order. The returned error is the failing
// step's error; rollback outcomes never mask it.
func (s *Saga) Run(ctx context.Context) error {
	completed := make([]Step, 0, len(s.steps))

	for _, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			s.rollback(ctx, completed)
			return fmt.Errorf("saga %s: step %s: %w", s.name, step.Name, err)
		}
		completed = append(completed, step)
	}
	return nil
}

func (s *Saga) rollback(ctx context.Context, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			log.Printf("recovery: saga %s: compensate %s failed: %v", s.name, step.Name, err)
		}
	}
}
