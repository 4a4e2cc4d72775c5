package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/reconcile"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the calendar sync tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Schema up to date (%s)\n", cfg.DatabaseDriver)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var users []string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Drain the reconcile queue once",
		Long: `Claim one batch of queued calendar checks and run them.

Examples:
  taskboard reconcile
  taskboard reconcile --user 7f9c0e2a-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, u := range users {
				if _, err := a.store.Enqueue(ctx, u, model.QueueCheckUpdates); err != nil {
					return fmt.Errorf("queue check for %s: %w", u, err)
				}
			}

			n, err := reconcile.NewWorker(a.listener, cfg.ReconcileInterval, cfg.ReconcileBatch).DrainOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %d queued checks\n", n)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&users, "user", nil, "queue a check for this user before draining")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(config.Default()); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.AddCommand(initCmd, pathCmd)
	return cmd
}
