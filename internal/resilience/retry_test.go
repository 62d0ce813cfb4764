package resilience_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/foresight/exchange-core/internal/resilience"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetry_TransientSucceedsEventually(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return timeoutErr{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	permanent := errors.New("validation: bad price")
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("got %v, want permanent error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry of permanent errors)", attempts)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return timeoutErr{}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
	}, func(ctx context.Context) error {
		attempts++
		return timeoutErr{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSaga_CompensatesInReverseOrder(t *testing.T) {
	var compensated []string
	s := resilience.NewSaga("test-saga").
		AddStep(resilience.SagaStep{
			Name:    "a",
			Execute: func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				compensated = append(compensated, "a")
				return nil
			},
		}).
		AddStep(resilience.SagaStep{
			Name:    "b",
			Execute: func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				compensated = append(compensated, "b")
				return nil
			},
		}).
		AddStep(resilience.SagaStep{
			Name:    "c",
			Execute: func(ctx context.Context) error { return errors.New("step c failed") },
		})

	if err := s.Execute(context.Background()); err == nil {
		t.Fatal("expected saga failure")
	}
	if len(compensated) != 2 || compensated[0] != "b" || compensated[1] != "a" {
		t.Fatalf("compensation order = %v, want [b a]", compensated)
	}
}

func TestSaga_CompensationFailureIsTerminal(t *testing.T) {
	s := resilience.NewSaga("test-saga").
		AddStep(resilience.SagaStep{
			Name:    "a",
			Execute: func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				return errors.New("undo failed")
			},
		}).
		AddStep(resilience.SagaStep{
			Name:    "b",
			Execute: func(ctx context.Context) error { return errors.New("step b failed") },
		})

	err := s.Execute(context.Background())
	if !errors.Is(err, resilience.ErrCompensationFailed) {
		t.Fatalf("got %v, want ErrCompensationFailed", err)
	}
}

func TestSaga_AllStepsSucceed(t *testing.T) {
	ran := 0
	s := resilience.NewSaga("test-saga")
	for i := 0; i < 3; i++ {
		s.AddStep(resilience.SagaStep{
			Name:    "step",
			Execute: func(ctx context.Context) error { ran++; return nil },
			Compensate: func(ctx context.Context) error {
				t.Fatal("compensation must not run on success")
				return nil
			},
		})
	}
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("saga: %v", err)
	}
	if ran != 3 {
		t.Fatalf("ran = %d, want 3", ran)
	}
}
