// internal/browser/supervisor.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrShutdown is returned by Ensure once Shutdown has been called.
var ErrShutdown = errors.New("browser supervisor is shut down")

// Supervisor owns the single shared browser. Concurrent callers of Ensure
// share one launch attempt; a failed attempt is not cached.
type Supervisor struct {
	logger   *zap.Logger
	launcher Launcher
	group    singleflight.Group

	mu      sync.Mutex
	handle  Handle
	stopped bool
}

// NewSupervisor creates a Supervisor. Nothing is launched until Ensure.
func NewSupervisor(logger *zap.Logger, launcher Launcher) *Supervisor {
	return &Supervisor{
		logger:   logger.Named("supervisor"),
		launcher: launcher,
	}
}

// Ensure returns the live browser, joining or starting a launch as needed.
func (s *Supervisor) Ensure(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrShutdown
	}
	if h := s.live(ctx); h != nil {
		return h, nil
	}

	ch := s.group.DoChan("browser", func() (interface{}, error) {
		if h := s.live(ctx); h != nil {
			return h, nil
		}
		s.logger.Info("Launching browser")
		// The attempt is shared, so one caller leaving must not abort it.
		h, err := s.launcher.Launch(context.WithoutCancel(ctx))
		if err != nil {
			s.logger.Error("Browser launch failed", zap.Error(err))
			return nil, err
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = h.Close(context.WithoutCancel(ctx))
			return nil, ErrShutdown
		}
		s.handle = h
		s.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("launching browser: %w", res.Err)
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the cached handle without launching.
func (s *Supervisor) Current() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handle != nil
}

// live returns the cached handle if it is still connected. A dropped handle is
// closed and forgotten so the next launch starts clean.
func (s *Supervisor) live(ctx context.Context) Handle {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	if h.Connected() {
		s.mu.Unlock()
		return h
	}
	s.handle = nil
	s.mu.Unlock()

	s.logger.Warn("Browser connection lost; discarding handle")
	if err := h.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Closing stale browser failed", zap.Error(err))
	}
	return nil
}

// Shutdown closes the connection and terminates the browser process.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.stopped = true
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	s.logger.Info("Shutting down browser")
	return h.Close(ctx)
}
