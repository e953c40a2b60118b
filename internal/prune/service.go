package prune

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentworkforce/prunebox/internal/recordstore"
)

type serviceState int

const (
	stateNew serviceState = iota
	stateRunning
	stateStopped
)

type ServiceOptions struct {
	LockPath string
	Logger   *slog.Logger
}

// Service owns the process-wide lifecycle: it is started once, accepts run
// triggers while running, and refuses overlapping runs.
type Service struct {
	runner *Runner
	lock   *RunLock
	logger *slog.Logger

	mu      sync.Mutex
	state   serviceState
	busy    bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	last    *Report
	lastErr error
}

func NewService(runner *Runner, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &Service{runner: runner, lock: NewRunLock(opts.LockPath), logger: opts.Logger}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrNotRunning
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.state = stateRunning
	s.logger.Info("service started")
	return nil
}

// Stop cancels any in-flight run and waits for it to finish, or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = stateStopped
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) acquire() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return nil, ErrNotRunning
	}
	if s.busy {
		return nil, ErrRunInProgress
	}
	if err := s.lock.TryLock(); err != nil {
		return nil, err
	}
	s.busy = true
	s.wg.Add(1)
	return s.ctx, nil
}

func (s *Service) release(report *Report, err error) {
	if uerr := s.lock.Unlock(); uerr != nil {
		s.logger.Warn("run lock release failed", "error", uerr)
	}
	s.mu.Lock()
	s.busy = false
	s.last = report
	s.lastErr = err
	s.mu.Unlock()
	s.wg.Done()
}

// Trigger runs synchronously. ctx bounds this run in addition to the
// service lifetime.
func (s *Service) Trigger(ctx context.Context, sel recordstore.Selection) (*Report, error) {
	svcCtx, err := s.acquire()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(svcCtx, cancel)
	defer stop()

	report, err := s.runner.Run(runCtx, sel)
	s.release(report, err)
	return report, err
}

// TriggerAsync starts a run in the background and returns immediately.
func (s *Service) TriggerAsync(sel recordstore.Selection) error {
	svcCtx, err := s.acquire()
	if err != nil {
		return err
	}
	go func() {
		report, err := s.runner.Run(svcCtx, sel)
		var gate *GateError
		if err != nil && !errors.As(err, &gate) {
			s.logger.Error("background run failed", "error", err)
		}
		s.release(report, err)
	}()
	return nil
}

func (s *Service) LastReport() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}
