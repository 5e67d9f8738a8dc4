package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duck-semantic/internal/api"
	"duck-semantic/internal/middleware"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(rt *runtime) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve semantic queries over HTTP",
		Long: `Starts the HTTP API:

  POST /v1/query       run a query
  POST /v1/explain     describe a query
  GET  /v1/metrics     list metrics
  GET  /v1/dimensions  list dimensions
  POST /v1/reload      rebuild the catalog from the model directory
  GET  /healthz        liveness

With RELOAD_SCHEDULE set the catalog is also rebuilt on that cron schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				rt.cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, closeFn, err := rt.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck

			if rt.cfg.ReloadSchedule != "" {
				stopReload, err := svc.StartReloader(rt.cfg.ReloadSchedule)
				if err != nil {
					return err
				}
				defer stopReload()
			}

			router := api.NewRouter(ctx, api.NewHandler(svc, rt.logger), api.RouterConfig{
				AllowedOrigins: rt.cfg.CORSAllowedOrigins,
				RateLimit: middleware.RateLimitConfig{
					RequestsPerSecond: rt.cfg.RateLimitRPS,
					Burst:             rt.cfg.RateLimitBurst,
				},
			}, rt.logger)
			srv := &http.Server{
				Addr:              rt.cfg.ListenAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info("HTTP API listening", "addr", rt.cfg.ListenAddr, "backend", svc.Backend().Name())
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			rt.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides LISTEN_ADDR)")
	return cmd
}
