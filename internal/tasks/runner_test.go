package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRunnerRecoversPanicsAndErrors(t *testing.T) {
	r := NewRunner(zaptest.NewLogger(t))

	done := make(chan struct{}, 2)
	if err := r.Run("panics", func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		panic("boom")
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run("fails", func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		return errors.New("failed")
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	<-done
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	r := NewRunner(zaptest.NewLogger(t))

	started := make(chan struct{})
	if err := r.Run("blocks", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-started

	if got := r.Running(); got != 1 {
		t.Fatalf("Running() = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := r.Running(); got != 0 {
		t.Fatalf("Running() after shutdown = %d, want 0", got)
	}

	if err := r.Run("late", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("Run after Shutdown succeeded")
	}
}

func TestShutdownTimesOut(t *testing.T) {
	r := NewRunner(zaptest.NewLogger(t))

	release := make(chan struct{})
	defer close(release)
	if err := r.Run("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); err == nil {
		t.Fatal("Shutdown returned nil while a task was still running")
	}
}
