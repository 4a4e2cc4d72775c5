package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/reconcile"
	"github.com/harrisonrobin/taskboard/pkg/server"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		migrate    bool
		noWorker   bool
		shutdownIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconcile worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
			}

			srv := server.New(server.Config{
				AppName:     cfg.AppName,
				FrontendURL: cfg.FrontendURL,
				JWT:         server.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
			}, server.Services{
				Authorizer:  a.provider,
				Connections: a.manager,
				Syncer:      a.syncer,
				Reconciler:  a.listener,
				SyncLog:     a.store,
			}, log)

			workerDone := make(chan struct{})
			if noWorker {
				close(workerDone)
			} else {
				worker := reconcile.NewWorker(a.listener, cfg.ReconcileInterval, cfg.ReconcileBatch)
				go func() {
					defer close(workerDone)
					worker.Run(ctx)
				}()
			}

			listenErr := make(chan error, 1)
			go func() {
				log.Info("listening", "port", cfg.Port, "app", cfg.AppName, "database", cfg.DatabaseDriver)
				listenErr <- srv.Listen(":" + cfg.Port)
			}()

			select {
			case err := <-listenErr:
				stop()
				<-workerDone
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownIn)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Error("shutdown", "error", err)
			}
			<-workerDone
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "create missing tables before serving")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not drain the reconcile queue in this process")
	cmd.Flags().DurationVar(&shutdownIn, "shutdown-timeout", 10*time.Second, "how long to wait for in-flight requests")

	return cmd
}
