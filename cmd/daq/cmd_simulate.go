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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
	"github.com/AleutianAI/AleutianDAQ/services/daq/bus"
)

var (
	simulateListen string
	simulateSeed   uint64
)

// runSimulate implements `daq simulate`: a standalone machine whose
// sensors are served over the websocket bus.
func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "daq-simulator")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed := cfg.Simulator.Seed
	if simulateSeed != 0 {
		seed = simulateSeed
	}
	space := bus.NewAddressSpace()
	sim, err := newSimulator(cfg, space, seed, logger)
	if err != nil {
		return err
	}
	if _, err := sim.Step(ctx); err != nil {
		return fmt.Errorf("prime simulator: %w", err)
	}
	if err := sim.Start(ctx); err != nil {
		return err
	}
	defer sim.Stop()

	addr := cfg.Simulator.ListenAddr
	if simulateListen != "" {
		addr = simulateListen
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-daq-simulator"))
	bus.NewServer(space, logger).RegisterRoutes(router)

	logger.Info("Simulated machine online",
		"machine_id", cfg.MachineID,
		"sensors", len(cfg.Simulator.Sensors),
		"endpoint", "ws://"+addr+bus.BusPath,
	)
	return api.NewServer(addr, router, logger).Run(ctx)
}
