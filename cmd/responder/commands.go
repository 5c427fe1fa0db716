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
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianResponder/pkg/ux"
	"github.com/AleutianAI/AleutianResponder/services/responder/api"
	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func addRunFlags(cmd *cobra.Command, run *runOptions) {
	cmd.Flags().StringVar(&run.operationID, "operation-id", "", "Resume the operation with this ID from stored planner state")
	cmd.Flags().IntVar(&run.cycles, "cycles", 0, "Override planner.max_cycles")
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var run runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an operation to completion and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts, run)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			err = a.planner.Execute(ctx)
			if errors.Is(err, context.Canceled) {
				ux.NewPrinter(cmd.ErrOrStderr()).Status(ux.IconWarning, "interrupted; planner state saved")
				err = nil
			}
			printSummary(cmd.OutOrStdout(), a)
			return err
		},
	}
	addRunFlags(cmd, &run)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var run runOptions
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an operation and serve its status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts, run)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			logger := a.log.Slog()

			if port == 0 {
				port = a.cfg.API.Port
			}
			ops := api.NewOperations()
			ops.Register(a.planner)
			router := api.NewRouter(a.cfg.Telemetry.ServiceName, api.NewHandlers(ops, logger), telemetry.MetricsHandler())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.Serve(gctx, fmt.Sprintf(":%d", port), router, logger)
			})
			g.Go(func() error {
				err := a.planner.Execute(gctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				logger.Info("planner finished, serving until interrupted",
					slog.String("operation", a.op.ID),
					slog.String("next_bucket", a.planner.NextBucket()),
				)
				return nil
			})
			err = g.Wait()
			printSummary(cmd.OutOrStdout(), a)
			return err
		},
	}
	addRunFlags(cmd, &run)
	cmd.Flags().IntVar(&port, "port", 0, "Override api.port")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and ability catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(opts.envFile); err != nil {
				return err
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			cfg, cat, err := loadConfigAndCatalog(opts.configPath)
			if err != nil {
				p.Status(ux.IconError, "%v", err)
				return err
			}
			p.Status(ux.IconSuccess, "config valid")
			p.Status(ux.IconSuccess, "catalog %s: %d abilities, %d agents", cfg.Catalog.Path, cat.Len(), len(cat.Agents()))

			rows := make([][]string, 0, len(model.Buckets))
			for _, bucket := range model.Buckets {
				rows = append(rows, []string{bucket, strconv.Itoa(len(cat.AbilitiesForBucket(bucket)))})
			}
			p.Table([]string{"BUCKET", "ABILITIES"}, rows)
			return nil
		},
	}
}

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var (
		run  runOptions
		paw  string
		pid  int
		guid string
		find int
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Discover the child processes of a process and print the host's process tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts, run)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			agent, ok := a.op.AgentByPaw(paw)
			if !ok {
				return fmt.Errorf("unknown agent %q", paw)
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			if guid != "" {
				found, err := a.planner.DiscoverChildProcesses(ctx, paw, pid, guid)
				if err != nil {
					return err
				}
				p.Status(ux.IconSuccess, "discovered %d child processes on %s", len(found), agent.Host)
			}
			printTree(p, a.planner.ProcessTrees(), agent.Host)

			if find > 0 {
				origins := a.planner.ProcessTrees().FindOriginalProcessByPID(find, agent.Host)
				if len(origins) == 0 {
					p.Status(ux.IconPending, "pid %d not observed on %s", find, agent.Host)
					return nil
				}
				for _, origin := range origins {
					p.Status(ux.IconArrow, "pid %d descends from pid %d", find, origin)
				}
			}
			return nil
		},
	}
	addRunFlags(cmd, &run)
	cmd.Flags().StringVar(&paw, "paw", "", "Agent that runs discovery")
	cmd.Flags().IntVar(&pid, "pid", 0, "PID of the process to expand")
	cmd.Flags().StringVar(&guid, "guid", "", "GUID of the process to expand")
	cmd.Flags().IntVar(&find, "find", 0, "Print the original ancestor of this PID")
	_ = cmd.MarkFlagRequired("paw")
	return cmd
}
