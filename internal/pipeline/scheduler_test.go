package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerNeverOverlapsJobs(t *testing.T) {
	var current, maxSeen atomic.Int32
	var runs atomic.Int32

	job := func(ctx context.Context) error {
		n := current.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		// Slower than the period so most ticks land while a job is running
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
		}
		current.Add(-1)
		return nil
	}

	s := NewStreamScheduler(5*time.Millisecond, job, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if maxSeen.Load() > 1 {
		t.Errorf("expected at most 1 concurrent job, saw %d", maxSeen.Load())
	}
	if runs.Load() == 0 {
		t.Error("expected at least one job run")
	}
	stats := s.Stats()
	if stats.Skipped == 0 {
		t.Error("expected skipped ticks while the job was running")
	}
	if stats.Ticks != stats.Skipped+stats.Runs {
		t.Errorf("ticks %d != skipped %d + runs %d", stats.Ticks, stats.Skipped, stats.Runs)
	}
}

func TestSchedulerSkipsWhileExternalRequestInFlight(t *testing.T) {
	var inFlight atomic.Bool
	inFlight.Store(true)
	var runs atomic.Int32

	s := NewStreamScheduler(5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, inFlight.Load)

	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("expected no runs while in flight, got %d", runs.Load())
	}

	inFlight.Store(false)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if runs.Load() == 0 {
		t.Error("expected runs after the in-flight request cleared")
	}
}

func TestSchedulerContinuesAfterFailures(t *testing.T) {
	var runs atomic.Int32
	s := NewStreamScheduler(5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("unreachable")
	}, nil)

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	if runs.Load() < 2 {
		t.Errorf("expected the clock to keep running after failures, got %d runs", runs.Load())
	}
	if s.Stats().Failures != uint64(runs.Load()) {
		t.Errorf("expected every run counted as failure, got %+v", s.Stats())
	}
}

func TestSchedulerStopIsIdempotentAndFinal(t *testing.T) {
	var runs atomic.Int32
	s := NewStreamScheduler(5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, nil)

	s.Stop() // never started

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()

	if s.Running() {
		t.Fatal("scheduler should not be running after Stop")
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("job ran after Stop: %d -> %d", after, runs.Load())
	}
}

func TestSchedulerStartTwiceAndRestart(t *testing.T) {
	s := NewStreamScheduler(time.Hour, func(ctx context.Context) error { return nil }, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerRunning) {
		t.Errorf("expected ErrSchedulerRunning, got %v", err)
	}
	s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	s.Stop()
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	s := NewStreamScheduler(time.Hour, func(ctx context.Context) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Running() {
		t.Fatal("scheduler should stop when its parent context is cancelled")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("restart after parent cancel: %v", err)
	}
	s.Stop()
}

func TestStopWaitsForRunningJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool

	s := NewStreamScheduler(5*time.Millisecond, func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}, nil)

	s.Start(context.Background())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
}
