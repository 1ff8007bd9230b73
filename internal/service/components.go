// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/extract"
	"github.com/xkilldash9x/pricewatch/internal/login"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

// Components holds everything a Service needs and owns their lifecycle.
type Components struct {
	Resolver   *challenge.Resolver
	Supervisor *browser.Supervisor
	Store      *session.Store
	Flow       *login.Flow
	Extractor  *extract.Extractor
}

// Shutdown releases components in dependency order: sessions first, then the
// browser, then the listing client. Safe to call on a partially built value.
func (c *Components) Shutdown(ctx context.Context, logger *zap.Logger) error {
	logger.Debug("Beginning components shutdown sequence.")

	// Bound the sequence even when the caller's context is already gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	// 1. Pages and browsing contexts.
	if c.Store != nil {
		c.Store.ReleaseAll(ctx)
		logger.Debug("Sessions released.")
	}

	// 2. The browser connection and its process tree.
	var err error
	if c.Supervisor != nil {
		if err = c.Supervisor.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser shut down.")
		}
	}

	// 3. Idle connections to the listing endpoint.
	if c.Resolver != nil {
		c.Resolver.Close()
	}

	logger.Info("All components shut down.")
	return err
}
