package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const component = "pipeline"

// DefaultStreamPeriod is the stream-mode detection period
const DefaultStreamPeriod = 3 * time.Second

// ErrSchedulerRunning is returned by Start when the clock is already running
var ErrSchedulerRunning = errors.New("stream scheduler already running")

// Job is one scheduled unit of work: grab a frame and detect it
type Job func(ctx context.Context) error

// StreamScheduler runs a Job on a fixed period.
// It is a fixed-period clock, not a fixed-rate one: a tick that finds the previous
// job (or any other request) still in flight is skipped, never queued.
type StreamScheduler struct {
	period   time.Duration
	job      Job
	inFlight func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	jobs   *sync.WaitGroup
	busy   atomic.Bool

	ticks    atomic.Uint64
	skipped  atomic.Uint64
	runs     atomic.Uint64
	failures atomic.Uint64
}

// NewStreamScheduler creates a scheduler. inFlight may be nil; when set it is
// consulted on every tick and a true result skips the tick
func NewStreamScheduler(period time.Duration, job Job, inFlight func() bool) *StreamScheduler {
	if period <= 0 {
		period = DefaultStreamPeriod
	}
	return &StreamScheduler{
		period:   period,
		job:      job,
		inFlight: inFlight,
	}
}

// Period returns the tick period
func (s *StreamScheduler) Period() time.Duration {
	return s.period
}

// Start begins ticking. The first tick fires one period after Start.
// The clock stops when Stop is called or ctx is cancelled
func (s *StreamScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			// Previous run ended with its parent context; reap it
			s.cancel()
			s.jobs.Wait()
		default:
			return ErrSchedulerRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.jobs = &sync.WaitGroup{}

	go s.run(runCtx, s.done, s.jobs)

	log.Info().Str("component", component).Dur("period", s.period).Msg("stream scheduler started")
	return nil
}

// Stop halts the clock and waits for a running job to return.
// Calling Stop on a stopped scheduler is a no-op. Must not be called from inside the job
func (s *StreamScheduler) Stop() {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return
	}
	cancel, done, jobs := s.cancel, s.done, s.jobs
	s.cancel, s.done, s.jobs = nil, nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	jobs.Wait()

	log.Info().
		Str("component", component).
		Uint64("ticks", s.ticks.Load()).
		Uint64("skipped", s.skipped.Load()).
		Uint64("failures", s.failures.Load()).
		Msg("stream scheduler stopped")
}

// Running returns true while the clock is ticking
func (s *StreamScheduler) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stats returns a snapshot of the scheduler counters
func (s *StreamScheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Ticks:    s.ticks.Load(),
		Skipped:  s.skipped.Load(),
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Running:  s.Running(),
		Period:   s.period,
	}
}

func (s *StreamScheduler) run(ctx context.Context, done chan struct{}, jobs *sync.WaitGroup) {
	defer close(done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, jobs)
		}
	}
}

func (s *StreamScheduler) tick(ctx context.Context, jobs *sync.WaitGroup) {
	s.ticks.Add(1)

	if s.inFlight != nil && s.inFlight() {
		s.skipped.Add(1)
		log.Debug().Str("component", component).Msg("tick skipped: request in flight")
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		log.Debug().Str("component", component).Msg("tick skipped: previous job still running")
		return
	}

	jobs.Add(1)
	go func() {
		defer jobs.Done()
		defer s.busy.Store(false)

		s.runs.Add(1)
		if err := s.job(ctx); err != nil {
			// A failed tick never stops the clock; the next tick is the retry
			s.failures.Add(1)
			log.Warn().Str("component", component).Err(err).Msg("stream job failed")
		}
	}()
}
