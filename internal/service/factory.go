// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/extract"
	"github.com/xkilldash9x/pricewatch/internal/humanoid"
	"github.com/xkilldash9x/pricewatch/internal/login"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

// ComponentFactory creates the set of components behind a Service.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a factory that launches a real browser process.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the production launcher. Nothing is started until the first
// login asks for the browser.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Browser().ProfileRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create profile root: %w", err)
	}

	endpoint := "http://127.0.0.1:" + strconv.Itoa(cfg.Browser().DebugPort)
	resolver := challenge.NewResolver(logger, endpoint, cfg.Timeouts().PollInterval)
	human := humanoid.New(logger, cfg.Humanoid())
	launcher := browser.NewProcessLauncher(logger, cfg, human, resolver)
	logger.Debug("Browser launcher initialized.", zap.String("endpoint", launcher.Endpoint()))

	return NewComponents(logger, cfg, launcher, resolver), nil
}

// NewComponents wires the supervisor, session store, login flow and
// extractor around launcher.
func NewComponents(logger *zap.Logger, cfg config.Interface, launcher browser.Launcher, resolver *challenge.Resolver) *Components {
	supervisor := browser.NewSupervisor(logger, launcher)
	store := session.NewStore(logger, cfg.Session().TTL)
	return &Components{
		Resolver:   resolver,
		Supervisor: supervisor,
		Store:      store,
		Flow:       login.NewFlow(logger, cfg, supervisor, store, resolver),
		Extractor:  extract.New(cfg.Site()),
	}
}
