// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/AleutianResponder/pkg/logging"
	"github.com/AleutianAI/AleutianResponder/services/responder/catalog"
	"github.com/AleutianAI/AleutianResponder/services/responder/config"
	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/planner"
	"github.com/AleutianAI/AleutianResponder/services/responder/storage"
	"github.com/AleutianAI/AleutianResponder/services/responder/tasking"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
)

// TraitSearchWindow is seeded so hunt abilities can template the search
// window, in minutes.
const TraitSearchWindow = "elasticsearch.search.window"

// app holds everything a command needs for one operation.
type app struct {
	cfg     config.Config
	log     *logging.Logger
	catalog *catalog.Catalog
	op      *model.Operation
	planner *planner.Planner
	db      *storage.DB

	shutdownTelemetry func(context.Context) error
}

// loadEnv loads a .env file if one exists. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadConfigAndCatalog loads and cross-checks the configuration and the
// ability catalog it points at.
func loadConfigAndCatalog(path string) (config.Config, *catalog.Catalog, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return config.Config{}, nil, err
	}
	for _, id := range []string{cfg.Planner.SetupAbility, cfg.Planner.ChildProcessAbility} {
		if id == "" {
			continue
		}
		if _, err := cat.Ability(id); err != nil {
			return config.Config{}, nil, fmt.Errorf("planner configuration: %w", err)
		}
	}
	return cfg, cat, nil
}

// sourceFacts returns the catalog's seed facts plus the search window,
// unless the catalog already seeds one.
func sourceFacts(cat *catalog.Catalog, cfg planner.Config) []model.Fact {
	facts := cat.Source()
	for _, f := range facts {
		if f.Trait == TraitSearchWindow {
			return facts
		}
	}
	minutes := int(cfg.SearchWindow.Minutes())
	return append(facts, model.Fact{Trait: TraitSearchWindow, Value: strconv.Itoa(minutes)})
}

// newApp wires config, logging, telemetry, catalog, storage, tasking and
// the planner for one operation.
//
// run.operationID, when set, names the operation so a previous run's
// planner state is restored from storage.
func newApp(ctx context.Context, opts *rootOptions, run runOptions) (*app, error) {
	if err := loadEnv(opts.envFile); err != nil {
		return nil, err
	}
	cfg, cat, err := loadConfigAndCatalog(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	if run.cycles > 0 {
		cfg.Planner.MaxCycles = run.cycles
	}

	a := &app{cfg: cfg, catalog: cat, log: logging.New(cfg.Logging)}
	logger := a.log.Slog()
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.shutdownTelemetry = shutdown

	storeCfg := cfg.Storage
	storeCfg.Logger = logger
	if a.db, err = storage.Open(storeCfg); err != nil {
		a.close(ctx)
		return nil, err
	}

	name := cat.Adversary().Name
	if name == "" {
		name = cat.Adversary().ID
	}
	a.op = model.NewOperation(name, cat.Agents(), sourceFacts(cat, cfg.Planner))
	if run.operationID != "" {
		a.op.ID = run.operationID
	}

	svc, err := tasking.NewMemory(cat, tasking.NewReplayExecutor(cat.Outputs()),
		tasking.WithRateLimit(cfg.Tasking.MaxLinksPerSecond, cfg.Tasking.Burst),
		tasking.WithLinkTimeout(cfg.Tasking.LinkTimeout),
		tasking.WithLogger(logger),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.planner, err = planner.New(a.op, svc,
		planner.WithConfig(cfg.Planner),
		planner.WithAbilities(cat),
		planner.WithStateStore(storage.NewStore[planner.State](a.db, "planner")),
		planner.WithLogger(logger),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	restored, err := a.planner.Restore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if restored {
		logger.Info("planner state restored",
			slog.String("operation", a.op.ID),
			slog.String("next_bucket", a.planner.NextBucket()),
		)
	}

	if cfg.Catalog.Watch {
		go func() {
			err := cat.Watch(ctx, cfg.Catalog.Path, logger, nil)
			if err != nil {
				logger.Warn("catalog watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return a, nil
}

// close releases storage, flushes telemetry and closes the log file.
func (a *app) close(ctx context.Context) {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Slog().Warn("closing storage", slog.String("error", err.Error()))
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			a.log.Slog().Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	_ = a.log.Close()
}
