// Package sweeper runs periodic housekeeping: ending idle sessions and
// evicting stale rate limiter state.
package sweeper

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/logging"

	"github.com/rs/zerolog"
)

// IdleSweeper ends sessions that have sat empty too long.
type IdleSweeper interface {
	SweepIdle(ctx context.Context, now time.Time) int
}

// Cleaner drops stale per-client state.
type Cleaner interface {
	Cleanup()
}

// Sweeper ticks on an interval until stopped.
// ARCHITECTURAL DISCOVERY: one goroutine owns the ticker, so sweeps never
// overlap and Stop is a plain channel close.
type Sweeper struct {
	sessions IdleSweeper
	cleaners []Cleaner
	interval time.Duration
	clock    func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a sweeper. A non-positive interval defaults to one minute.
func New(sessions IdleSweeper, interval time.Duration, logger zerolog.Logger, cleaners ...Cleaner) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		sessions: sessions,
		cleaners: cleaners,
		interval: interval,
		clock:    time.Now,
		logger:   logging.Component(&logger, "sweeper"),
	}
}

// Start begins ticking in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.shutdown, s.done)
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.shutdown)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("sweeper stopped")
	return nil
}

func (s *Sweeper) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ended := 0
	if s.sessions != nil {
		ended = s.sessions.SweepIdle(ctx, s.clock())
	}
	for _, c := range s.cleaners {
		c.Cleanup()
	}
	if ended > 0 {
		s.logger.Info().Int("ended", ended).Msg("ended idle sessions")
	}
	return ended
}
