package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/audit"
	"github.com/warp/engagement-engine/factory"
	"go.uber.org/zap"
)

var servePort int

// serveCmd starts the API.
//
// STARTUP SEQUENCE:
//  1. Open the SQLite store
//  2. Apply the seed file, if configured
//  3. Build gate, reminders and audit runner
//  4. Start the audit scheduler, if enabled
//  5. Serve HTTP until SIGINT/SIGTERM
//
// GRACEFUL SHUTDOWN:
//  Stop accepting connections, drain requests (30s), stop the scheduler at
//  the next participant boundary, close the store.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.JWTSecret == "" {
			return errors.New("jwt secret is required to serve (server.jwt_secret or ENGAGE_JWT_SECRET)")
		}
		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		if cfg.SeedFile != "" {
			seed, err := factory.LoadSeedFile(cfg.SeedFile)
			if err != nil {
				return err
			}
			if err := seed.Apply(cmd.Context(), svc.store, time.Now()); err != nil {
				return fmt.Errorf("failed to apply seed: %w", err)
			}
			logger.Info("seed applied", zap.String("path", cfg.SeedFile))
		}

		scheduler := audit.NewScheduler(svc.runner, logger.Named("scheduler"))
		scheduler.Enabled = cfg.Audit.ScheduleEnabled
		scheduler.Interval = cfg.Audit.Interval.Std()
		scheduler.Options.Workers = cfg.Audit.Workers
		scheduler.Start()
		defer scheduler.Stop()

		handler := api.NewHandler(svc.store, svc.runner, svc.gate, svc.reminders, logger.Named("api"))
		router := api.NewRouter(handler, api.NewAuthenticator(cfg.Server.JWTSecret), api.RouterOptions{
			AllowedOrigins: cfg.Server.CORSOrigins,
		})

		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			// POST /api/admin/audit answers only when the run finishes
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", zap.Int("port", port), zap.String("db", cfg.DBPath))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		}

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port, overrides config")
}
