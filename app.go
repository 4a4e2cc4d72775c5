package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/harrisonrobin/taskboard/pkg/auth"
	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/google"
	"github.com/harrisonrobin/taskboard/pkg/mapper"
	"github.com/harrisonrobin/taskboard/pkg/reconcile"
	"github.com/harrisonrobin/taskboard/pkg/store"
	"github.com/harrisonrobin/taskboard/pkg/syncer"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.Store
	provider *auth.Provider
	manager  *auth.Manager
	syncer   *syncer.Orchestrator
	listener *reconcile.Listener
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	provider := auth.NewProvider(
		auth.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL),
		cfg.JWTSecret,
		cfg.CalendarTimeout,
	)
	manager := auth.NewManager(st, provider, log)
	cal := google.NewCalendarClient(cfg.CalendarID, cfg.CalendarTimeout)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		provider: provider,
		manager:  manager,
		syncer:   syncer.New(st, manager, cal, mapper.New(loc), log),
		listener: reconcile.NewListener(st, manager, cal, cfg.WebhookURL, cfg.ReconcileWindow, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
