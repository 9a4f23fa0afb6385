package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerAdd_RejectsInvalidInterval(t *testing.T) {
	s := New(zerolog.Nop(), 0)

	err := s.Add(JobFunc{JobName: "noop", Fn: func(ctx context.Context) error { return nil }}, 0)
	if err == nil {
		t.Fatal("Expected an error for a zero interval")
	}
}

func TestSchedulerAdd_RejectedAfterStart(t *testing.T) {
	s := New(zerolog.Nop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	err := s.Add(JobFunc{JobName: "late", Fn: func(ctx context.Context) error { return nil }}, time.Second)
	if err == nil {
		t.Fatal("Expected an error adding a job after start")
	}
}

func TestSchedulerStart_Twice(t *testing.T) {
	s := New(zerolog.Nop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("Expected an error on second start")
	}
}

func TestSchedulerRunsJobsOnTicks(t *testing.T) {
	s := New(zerolog.Nop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	err := s.Add(JobFunc{
		JobName: "counter",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("Expected at least 3 runs, got %d", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Wait()
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	s := New(zerolog.Nop(), 0)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Add(JobFunc{
		JobName: "noop",
		Fn:      func(ctx context.Context) error { return nil },
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected job loops to exit after cancel")
	}
}

func TestSchedulerSurvivesPanicsAndErrors(t *testing.T) {
	s := New(zerolog.Nop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	err := s.Add(JobFunc{
		JobName: "flaky",
		Fn: func(ctx context.Context) error {
			n := runs.Add(1)
			switch n {
			case 1:
				panic("tick exploded")
			case 2:
				return errors.New("tick failed")
			}
			return nil
		},
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The loop keeps ticking past the panic and the error.
	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("Expected the job to keep running, got %d runs", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Wait()
}
