package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// Supervisor owns the running autoscan loops, one per engagement. Every
// loop runs on its own goroutine from Start until it is stopped. When
// maxConcurrent is positive, Start refuses loops beyond that many.
type Supervisor struct {
	maxConcurrent int
	loops         map[string]context.CancelFunc
	mu            sync.Mutex
	wg            sync.WaitGroup
	logger        *logger.Logger
}

// NewSupervisor builds a supervisor. A maxConcurrent of zero or less
// leaves the number of loops unbounded.
func NewSupervisor(maxConcurrent int, log *logger.Logger) *Supervisor {
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}
	if log == nil {
		log = logger.NewLogger(logrus.InfoLevel)
	}
	s := &Supervisor{
		maxConcurrent: maxConcurrent,
		loops:         make(map[string]context.CancelFunc),
		logger:        log,
	}
	s.logger.WithFields(logger.Fields{
		"max_concurrent": maxConcurrent,
	}).Info("Autoscan supervisor initialized")
	return s
}

// Start runs fn for engagement in the background. It fails with a conflict
// when a loop already runs for that engagement, and with ErrAutoscanLimit
// when every slot is taken. onExit, when set, runs after fn returns.
func (s *Supervisor) Start(ctx context.Context, engagement string, fn func(ctx context.Context) error, onExit func()) error {
	s.mu.Lock()
	if _, ok := s.loops[engagement]; ok {
		s.mu.Unlock()
		return apperrors.NewConflictError("autoscan", engagement)
	}
	if s.maxConcurrent > 0 && len(s.loops) >= s.maxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d running", apperrors.ErrAutoscanLimit, s.maxConcurrent)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loops[engagement] = cancel
	running := len(s.loops)
	s.mu.Unlock()

	s.logger.WithFields(logger.Fields{"engagement": engagement, "running": running}).Info("Autoscan loop started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.loops, engagement)
			s.mu.Unlock()
			cancel()
			if onExit != nil {
				onExit()
			}
			s.logger.WithFields(logger.Fields{"engagement": engagement}).Info("Autoscan loop ended")
		}()
		if err := fn(loopCtx); err != nil {
			s.logger.WithFields(logger.Fields{"engagement": engagement, "error": err}).Error("Autoscan loop failed")
		}
	}()
	return nil
}

// Stop cancels the loop of engagement and reports whether one was running.
func (s *Supervisor) Stop(engagement string) bool {
	s.mu.Lock()
	cancel, ok := s.loops[engagement]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Supervisor) Running(engagement string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[engagement]
	return ok
}

// Engagements lists the engagements with a loop.
func (s *Supervisor) Engagements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for eng := range s.loops {
		out = append(out, eng)
	}
	return out
}

// GetStatus returns the number of loops and the limit, zero when unbounded.
func (s *Supervisor) GetStatus() (running, maxConcurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops), s.maxConcurrent
}

// Shutdown cancels every loop and waits for them to return.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.loops {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
