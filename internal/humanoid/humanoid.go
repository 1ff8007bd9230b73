// internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/config"
)

// Humanoid paces interactions with third-party forms. It is safe for
// concurrent use; all randomness comes from a single seeded source.
type Humanoid struct {
	mu     sync.Mutex
	logger *zap.Logger
	rng    *rand.Rand
	cfg    config.HumanoidConfig
}

// New creates a Humanoid from the timing model. A zero seed is replaced with
// the current time.
func New(logger *zap.Logger, cfg config.HumanoidConfig) *Humanoid {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Humanoid{
		logger: logger.Named("humanoid"),
		rng:    rand.New(rand.NewSource(seed)),
		cfg:    cfg,
	}
}

// Enabled reports whether pacing is active.
func (h *Humanoid) Enabled() bool {
	return h != nil && h.cfg.Enabled
}

// PauseDuration draws a uniform pause between PauseMin and PauseMax.
func (h *Humanoid) PauseDuration() time.Duration {
	if !h.Enabled() {
		return 0
	}
	span := h.cfg.PauseMax - h.cfg.PauseMin
	if span <= 0 {
		return h.cfg.PauseMin
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.PauseMin + time.Duration(h.rng.Int63n(int64(span)+1))
}

// Pause sleeps for one inter-action pause, returning early if ctx ends.
func (h *Humanoid) Pause(ctx context.Context) error {
	return sleepContext(ctx, h.PauseDuration())
}

// keyHoldDuration draws a key dwell time from a normal distribution clamped
// to the configured minimum.
func (h *Humanoid) keyHoldDuration() time.Duration {
	if !h.Enabled() {
		return 0
	}
	h.mu.Lock()
	ms := h.rng.NormFloat64()*h.cfg.KeyHoldStdDevMs + h.cfg.KeyHoldMeanMs
	h.mu.Unlock()
	if ms < h.cfg.KeyHoldMinMs {
		ms = h.cfg.KeyHoldMinMs
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// sleepContext is a utility for context-aware sleeps.
func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
