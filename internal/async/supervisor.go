package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunFunc is the supervised function signature: the scheduler's run loop.
type RunFunc func(ctx context.Context) error

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// MaxRestarts caps how many times the loop is restarted after it exits
	// with a non-nil, non-cancellation error. Zero disables restarting.
	MaxRestarts int
	// RestartBackoff is the delay before each restart attempt.
	RestartBackoff time.Duration
	Logger         *slog.Logger
}

// Supervisor runs a long-lived function (the scheduler's Run loop) in a
// background goroutine, restarting it on crash up to MaxRestarts times.
type Supervisor struct {
	config   SupervisorConfig
	progress *RunProgress
	logger   *slog.Logger

	// RunFunc is the supervised function. Injected for testing.
	RunFunc RunFunc

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	err     error
}

// NewSupervisor creates a Supervisor for the scheduler's run loop.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	return &Supervisor{
		config:   cfg,
		progress: NewRunProgress(),
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Progress returns the status tracker for this supervisor.
func (s *Supervisor) Progress() *RunProgress {
	return s.progress
}

// IsRunning returns true if the supervised loop is currently active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins running RunFunc in a background goroutine. Non-blocking;
// idempotent while already running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// run drives the supervised function, restarting it on crash.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.RunFunc == nil {
		s.progress.SetStopped()
		return
	}

	attempt := 0
	for {
		err := s.RunFunc(ctx)
		if err == nil || ctx.Err() != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.progress.SetStopped()
			return
		}

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		if attempt >= s.config.MaxRestarts {
			s.progress.SetError(err.Error())
			return
		}
		attempt++
		s.logger.Error("scheduler loop crashed, restarting",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt))
		s.progress.RecordRestart()

		select {
		case <-ctx.Done():
			s.progress.SetStopped()
			return
		case <-time.After(s.config.RestartBackoff):
		}
	}
}

// Stop signals the supervisor to stop and waits for it to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Wait blocks until the supervised loop exits and returns its last error.
func (s *Supervisor) Wait() error {
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
