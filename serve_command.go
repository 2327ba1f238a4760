package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ffcache/api"
	"ffcache/logger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.cfg
			svc, err := newService(cfg)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc.orch.Start(runCtx)

			srv := &http.Server{
				Addr:    ":" + cfg.Port,
				Handler: api.SetupRouter(svc.orch, cfg),
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Infof("Server starting on port %s, cache at %s", cfg.Port, svc.store.Root())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-runCtx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					_ = svc.orch.Shutdown(context.Background())
					return err
				}
			}

			stop()
			logger.Infof("Shutting down gracefully, press Ctrl+C again to force")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Server forced to shutdown: %v", err)
			}
			if err := svc.orch.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("Stopping jobs: %v", err)
			}
			svc.sup.Wait()

			logger.Infof("Server exiting")
			return nil
		},
	}
}
