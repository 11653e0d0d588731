package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs periodic billing passes over all billable users
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	runMu     sync.Mutex // one billing pass at a time, scheduled or manual
	lastRun   time.Time
	nextRun   time.Time
	lastStats *CheckStats
}

// NewScheduler creates a new billing scheduler
func NewScheduler(engine *Engine, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultConfig().CheckInterval
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "BillingScheduler").Logger(),
	}
}

// Start begins the periodic billing loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("billing scheduler already running")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.runLoop()

	s.logger.Info().Dur("interval", s.interval).Msg("Billing scheduler started")
	return nil
}

// Stop halts the billing loop and waits for any in-flight pass
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Billing scheduler stopped")
}

// IsRunning returns whether the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	// First pass immediately so cycles due while the service was down
	// are picked up on boot rather than a full interval later.
	s.runPass()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runPass()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Billing pass failed")
	}
}

func (s *Scheduler) run(ctx context.Context) (*CheckStats, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	stats, err := s.engine.CheckAllCycles(ctx)

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.nextRun = s.lastRun.Add(s.interval)
	if stats != nil {
		s.lastStats = stats
	}
	s.mu.Unlock()

	return stats, err
}

// RunNow triggers an immediate billing pass, serialized with the
// scheduled one. Used by the admin API.
func (s *Scheduler) RunNow(ctx context.Context) (*CheckStats, error) {
	s.logger.Info().Msg("Manual billing pass triggered")
	return s.run(ctx)
}

// GetStatus reports scheduler state for the health endpoint
func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":       s.running,
		"interval_mins": s.interval.Minutes(),
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
		status["next_run"] = s.nextRun.Format(time.RFC3339)
	}
	if s.lastStats != nil {
		status["last_pass"] = map[string]interface{}{
			"evaluated":   s.lastStats.Evaluated,
			"invoiced":    s.lastStats.Invoiced,
			"waived":      s.lastStats.Waived,
			"not_due":     s.lastStats.NotDue,
			"failed":      s.lastStats.Failed,
			"fees_billed": s.lastStats.FeesBilled.String(),
		}
	}
	return status
}
