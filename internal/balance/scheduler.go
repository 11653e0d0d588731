package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs periodic balance reconciliation passes
type Scheduler struct {
	checker      *Checker
	interval     time.Duration
	startupDelay time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	runMu      sync.Mutex
	lastRun    time.Time
	nextRun    time.Time
	lastResult *CheckResult
}

// NewScheduler creates a new balance check scheduler
func NewScheduler(checker *Checker, interval, startupDelay time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	if startupDelay < 0 {
		startupDelay = DefaultConfig().StartupDelay
	}
	return &Scheduler{
		checker:      checker,
		interval:     interval,
		startupDelay: startupDelay,
		logger:       logger.With().Str("component", "BalanceScheduler").Logger(),
	}
}

// Start begins the periodic balance check loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("balance scheduler already running")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.runLoop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("startup_delay", s.startupDelay).
		Msg("Balance scheduler started")
	return nil
}

// Stop halts the balance check loop and waits for any in-flight pass
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
	s.logger.Info().Msg("Balance scheduler stopped")
}

// IsRunning returns whether the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	// Let the rest of the service come up before the first pass hits
	// the exchange.
	select {
	case <-time.After(s.startupDelay):
	case <-s.stopChan:
		return
	}

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
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if _, err := s.run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Balance check pass failed")
	}
}

func (s *Scheduler) run(ctx context.Context) (*CheckResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result, err := s.checker.CheckAllUsers(ctx)

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.nextRun = s.lastRun.Add(s.interval)
	if result != nil {
		s.lastResult = result
	}
	s.mu.Unlock()

	return result, err
}

// RunNow triggers an immediate balance check pass, serialized with the
// scheduled one. Used by the admin API.
func (s *Scheduler) RunNow(ctx context.Context) (*CheckResult, error) {
	s.logger.Info().Msg("Manual balance check triggered")
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
	if s.lastResult != nil {
		status["last_pass"] = map[string]interface{}{
			"users_checked":      s.lastResult.UsersChecked,
			"transactions_found": s.lastResult.TransactionsFound,
			"users_skipped":      s.lastResult.UsersSkipped,
			"net_movement":       s.lastResult.NetMovement.String(),
		}
	}
	return status
}
