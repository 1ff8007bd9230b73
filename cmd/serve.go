package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/api"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/observability"
	"github.com/xkilldash9x/pricewatch/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the account operations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerCfg.Addr = addr
			}
			listener, err := net.Listen("tcp", cfg.Server().Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server().Addr, err)
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger(), factory, listener)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return serveCmd
}

// runServe serves on listener until ctx is cancelled, then drains requests
// and shuts the browser down.
func runServe(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, listener net.Listener) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	svc := service.New(logger, cfg, components)

	limit := len(cfg.Accounts())
	srv := api.NewServer(listener.Addr().String(), api.NewRouter(api.NewHandler(logger, svc, limit)), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	logger.Info("Serving", zap.String("addr", listener.Addr().String()), zap.Int("accounts", limit))

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server().ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Service did not shut down cleanly", zap.Error(err))
	}
	return serveErr
}
