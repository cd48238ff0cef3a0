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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDAQ/pkg/secrets"
	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
)

// runPipeline implements `daq run`.
//
// Startup order: config, logger, telemetry, storage, bus, then the
// orchestrator's connect and discovery. Any failure before the first
// cycle exits non-zero. SIGINT and SIGTERM trigger the ordered shutdown.
func runPipeline(cmd *cobra.Command, args []string) error {
	defer secrets.Purge()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "daq")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, observability.ConfigFrom(cfg, version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", "error", err)
		}
	}()
	metrics := observability.InitMetrics()

	logger.Info("Configuration loaded",
		"machine_id", cfg.MachineID,
		"location", cfg.Location,
		"interval", cfg.Acquisition.Interval,
		"bus", cfg.Bus.Mode,
		"storage", cfg.Storage.Backend,
	)

	p, err := buildPipeline(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.close(cctx); err != nil {
			logger.Error("Storage close failed", "error", err)
		}
	}()

	if p.sim != nil {
		if _, err := p.sim.Step(ctx); err != nil {
			return fmt.Errorf("prime simulator: %w", err)
		}
		if err := p.sim.Start(ctx); err != nil {
			return err
		}
		defer p.sim.Stop()
	}

	if err := p.orch.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancelRun()
		return p.orch.Run(gctx)
	})

	if cfg.API.Enabled {
		router := api.NewRouter("aleutian-daq", p.handlers(), p.hub)
		srv := api.NewServer(cfg.API.Addr, router, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, p.reload, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("DAQ pipeline exited", "error", err)
	return err
}
