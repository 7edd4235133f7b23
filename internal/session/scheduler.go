package session

import (
	"context"
	"sync"
	"time"

	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// DefaultSchedulerInterval is how often the scheduler re-evaluates the
// credential's remaining lifetime.
const DefaultSchedulerInterval = 1 * time.Minute

// TickerFactory produces a tick channel and a stop function. Injected so
// tests can drive the scheduler without wall-clock waits.
type TickerFactory func(time.Duration) (<-chan time.Time, func())

func defaultTickerFactory(d time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(d)
	return ticker.C, ticker.Stop
}

// Scheduler refreshes the credential in the background before it
// expires. It owns one goroutine between Start and Stop.
type Scheduler struct {
	coordinator *Coordinator
	interval    time.Duration
	newTicker   TickerFactory

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval overrides DefaultSchedulerInterval.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithTickerFactory injects the tick source.
func WithTickerFactory(f TickerFactory) SchedulerOption {
	return func(s *Scheduler) { s.newTicker = f }
}

// NewScheduler creates a Scheduler for the coordinator.
func NewScheduler(coordinator *Coordinator, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		coordinator: coordinator,
		interval:    DefaultSchedulerInterval,
		newTicker:   defaultTickerFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(s.stopCh, s.doneCh)
	logging.Debug("Session", "Background refresh scheduler started (interval %s)", s.interval)
}

// Stop terminates the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	logging.Debug("Session", "Background refresh scheduler stopped")
}

func (s *Scheduler) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticks, stopTicker := s.newTicker(s.interval)
	defer stopTicker()

	for {
		select {
		case <-stopCh:
			return
		case <-ticks:
			s.evaluate()
		}
	}
}

// evaluate refreshes when the credential is inside the preemptive
// threshold. SkipCache forces a real evaluation under singleflight while
// still coalescing with any concurrent caller.
func (s *Scheduler) evaluate() {
	token := s.coordinator.Current()
	if token == nil {
		return
	}
	if token.Remaining() > oauth.RefreshThreshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.coordinator.Refresh(ctx, RefreshOptions{SkipCache: true}); err != nil {
		logging.Warn("Session", "Scheduled refresh failed: %v", err)
	}
}
