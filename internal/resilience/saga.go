package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrCompensationFailed marks a terminal inconsistency: a saga step failed
// and at least one compensation also failed. Requires manual resolution and
// must be alerted on.
var ErrCompensationFailed = errors.New("resilience: saga compensation failed")

// SagaStep pairs a forward action with its compensation. Compensate undoes
// Execute; it runs at most once and is never retried.
type SagaStep struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga executes an ordered list of steps. When step n fails, compensations
// for steps n-1..0 run in reverse order. A step with a nil Compensate has
// nothing to undo.
type Saga struct {
	name  string
	steps []SagaStep
}

// NewSaga creates a named saga with no steps.
func NewSaga(name string) *Saga {
	return &Saga{name: name}
}

// AddStep appends a step. Returns the saga for chaining.
func (s *Saga) AddStep(step SagaStep) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs the steps in order. On failure it compensates completed
// steps in reverse and returns the step error; if any compensation itself
// fails, the returned error additionally wraps ErrCompensationFailed.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			slog.Warn("saga step failed, compensating",
				"saga", s.name,
				"step", step.Name,
				"completed_steps", i,
				"err", err,
			)
			if compErr := s.compensate(ctx, i-1); compErr != nil {
				return fmt.Errorf("%s: step %q: %w (additionally: %w)",
					s.name, step.Name, err, compErr)
			}
			return fmt.Errorf("%s: step %q: %w", s.name, step.Name, err)
		}
	}
	return nil
}

// compensate undoes steps from..0 in reverse order. Each compensation runs
// once; failures are logged and folded into a single terminal error rather
// than retried, to avoid unbounded recursion.
func (s *Saga) compensate(ctx context.Context, from int) error {
	var failed []string
	for i := from; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			slog.Error("saga compensation failed, manual intervention required",
				"saga", s.name,
				"step", step.Name,
				"err", err,
			)
			failed = append(failed, step.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: steps %v", ErrCompensationFailed, failed)
	}
	return nil
}
