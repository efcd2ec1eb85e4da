package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepConfig holds configuration for the expiry sweeper.
type SweepConfig struct {
	// Interval is how often the sweep runs.
	// Default: 1 hour
	Interval time.Duration

	// InitialDelay is the wait before the first run after Start.
	// Default: 5 seconds
	InitialDelay time.Duration

	// Timeout bounds a single run.
	// Default: 1 minute
	Timeout time.Duration
}

// Sweeper is the work a sweep performs. *InventoryService implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpiryScheduler periodically discards expired stock.
type ExpiryScheduler struct {
	sweeper   Sweeper
	config    SweepConfig
	log       *zap.Logger
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewExpiryScheduler creates a new expiry scheduler.
func NewExpiryScheduler(sweeper Sweeper, config SweepConfig, log *zap.Logger) *ExpiryScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &ExpiryScheduler{
		sweeper: sweeper,
		config:  config,
		log:     log.Named("sweep"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the scheduler. Calling it again is a no-op.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.Interval)
	s.mu.Unlock()

	s.log.Info("scheduler started", zap.Duration("interval", s.config.Interval))

	s.done.Add(1)
	go s.run()
}

// run is the main sweep loop.
func (s *ExpiryScheduler) run() {
	defer s.done.Done()

	initial := time.NewTimer(s.config.InitialDelay)
	defer initial.Stop()

	for {
		select {
		case <-initial.C:
			s.runSweep()
		case <-s.ticker.C:
			s.runSweep()
		case <-s.stopCh:
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// runSweep performs one scheduled sweep.
func (s *ExpiryScheduler) runSweep() {
	n, err := s.RunNow(context.Background())
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("sweep discarded expired units", zap.Int("units", n))
	} else {
		s.log.Debug("sweep found no expired units")
	}
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *ExpiryScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
		s.mu.Unlock()
	})
	s.done.Wait()
}

// RunNow triggers an immediate sweep.
func (s *ExpiryScheduler) RunNow(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	return s.sweeper.SweepExpired(ctx)
}
