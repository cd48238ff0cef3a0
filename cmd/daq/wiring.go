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
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/secrets"
	"github.com/AleutianAI/AleutianDAQ/pkg/ux"
	"github.com/AleutianAI/AleutianDAQ/services/daq/acquisition"
	"github.com/AleutianAI/AleutianDAQ/services/daq/anomaly"
	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
	"github.com/AleutianAI/AleutianDAQ/services/daq/bus"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
	"github.com/AleutianAI/AleutianDAQ/services/daq/orchestrator"
	"github.com/AleutianAI/AleutianDAQ/services/daq/simulator"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage/badger"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage/influx"
	"github.com/AleutianAI/AleutianDAQ/services/daq/validation"
)

// loadConfig loads the config named by --config, or defaults plus
// environment when none is given.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger. Text on a terminal, JSON otherwise.
func newLogger(cfg *config.Config, service string) (*logging.Logger, error) {
	levelName := cfg.LogLevel
	if logLevel != "" {
		levelName = logLevel
	}
	level := logging.LevelInfo
	if levelName != "" {
		l, err := logging.ParseLevel(levelName)
		if err != nil {
			return nil, err
		}
		level = l
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: service,
		JSON:    logJSON || !stderrIsTerminal(),
	})
	// Route dependencies that log through slog's default to the same sink.
	slog.SetDefault(logger.Slog())
	return logger, nil
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newPrinter returns a styled printer when the command writes to a
// terminal and a plain one otherwise.
func newPrinter(cmd *cobra.Command) *ux.Printer {
	mode := ux.ModePlain
	if f, ok := cmd.OutOrStdout().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		mode = ux.ModeRich
	}
	return ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
}

// =============================================================================
// Storage
// =============================================================================

// badgerConfig maps the storage section onto the embedded store config.
func badgerConfig(cfg *config.Config, logger *logging.Logger) badger.Config {
	if cfg.Storage.Badger.InMemory {
		c := badger.InMemoryConfig()
		c.Logger = logger
		return c
	}
	c := badger.DefaultConfig(config.ExpandPath(cfg.Storage.Badger.Path))
	c.Logger = logger
	return c
}

// openStore opens the configured backend. The InfluxDB token is moved
// into a locked enclave and cleared from cfg before the client is built.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "influx":
		token, err := secrets.NewToken(cfg.Storage.Influx.Token)
		cfg.Storage.Influx.Token = ""
		if err != nil {
			return nil, fmt.Errorf("INFLUXDB_TOKEN: %w", err)
		}
		if ok, limit := secrets.MlockAvailable(); !ok {
			logger.Warn("Memory locking unavailable; token pages may be swapped", "mlock_limit", limit)
		}
		store, err := influx.New(influx.ConfigFrom(cfg), token, logger)
		if err != nil {
			return nil, err
		}
		if err := store.WaitReady(ctx, 5, 2*time.Second); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil

	case "badger":
		return badger.OpenStore(badgerConfig(cfg, logger),
			badger.WithRetention(cfg.Storage.Badger.Retention),
			badger.WithStoreLogger(logger),
		)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openAnomalyLog opens the persisted anomaly log, or returns nil when
// storage.anomaly_log_path is empty.
func openAnomalyLog(cfg *config.Config, logger *logging.Logger) (*badger.AnomalyLog, error) {
	if cfg.Storage.AnomalyLogPath == "" {
		return nil, nil
	}
	c := badger.DefaultConfig(config.ExpandPath(cfg.Storage.AnomalyLogPath))
	c.Logger = logger
	return badger.OpenAnomalyLog(c)
}

// =============================================================================
// Bus
// =============================================================================

// newGateway returns the bus gateway for cfg.Bus.Mode. In local mode it
// also returns the in-process simulator publishing into the shared
// address space; the caller starts and stops it.
func newGateway(cfg *config.Config, logger *logging.Logger) (bus.Gateway, *simulator.Simulator, error) {
	switch cfg.Bus.Mode {
	case "local":
		space := bus.NewAddressSpace()
		sim, err := newSimulator(cfg, space, cfg.Simulator.Seed, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus.NewLocal(space), sim, nil

	case "websocket":
		return bus.NewWSClient(bus.WSClientConfig{
			URL:            cfg.Bus.URL,
			RequestTimeout: cfg.Bus.RequestTimeout,
		}, logger), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}
}

func newSimulator(cfg *config.Config, space *bus.AddressSpace, seed uint64, logger *logging.Logger) (*simulator.Simulator, error) {
	opts := []simulator.Option{simulator.WithLogger(logger)}
	if seed != 0 {
		opts = append(opts, simulator.WithSeed(seed))
	}
	sim, err := simulator.New(simulator.FromConfig(cfg), bus.SpacePublisher{Space: space}, opts...)
	if err != nil {
		return nil, err
	}
	if err := sim.Install(space); err != nil {
		return nil, err
	}
	return sim, nil
}

// =============================================================================
// Pipeline
// =============================================================================

// pipeline owns every component of one acquisition process.
type pipeline struct {
	cfg        *config.Config
	logger     *logging.Logger
	sim        *simulator.Simulator
	engine     *validation.Engine
	store      storage.Store
	buffer     *storage.Buffered
	anomalyLog *badger.AnomalyLog
	hub        *api.Hub
	ext        extensions.ServiceOptions
	orch       *orchestrator.Orchestrator
}

// buildPipeline wires the stages together. Nothing is connected yet; call
// orch.Start.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger, metrics *observability.PipelineMetrics) (*pipeline, error) {
	p := &pipeline{cfg: cfg, logger: logger, hub: api.NewHub(logger)}

	ext, err := apiExtensions(cfg, logger)
	if err != nil {
		return nil, err
	}
	p.ext = ext

	gw, sim, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	p.sim = sim

	if p.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	p.buffer, err = storage.NewBuffered(p.store, storage.BufferConfigFrom(cfg),
		storage.WithBufferLogger(logger),
		storage.WithBufferMetrics(metrics),
	)
	if err != nil {
		_ = p.close(ctx)
		return nil, err
	}

	if p.anomalyLog, err = openAnomalyLog(cfg, logger); err != nil {
		_ = p.close(ctx)
		return nil, fmt.Errorf("open anomaly log: %w", err)
	}
	sinks := []storage.AnomalySink{p.hub}
	if p.anomalyLog != nil {
		sinks = append(sinks, p.anomalyLog)
	}

	p.engine = validation.NewEngine(validation.RulesFromConfig(cfg), logger)
	acq := acquisition.NewClient(gw, acquisition.FromConfig(cfg), acquisition.WithLogger(logger))
	det := anomaly.NewDetector(anomaly.Config{HistoryCapacity: cfg.Acquisition.HistoryCapacity}, logger)

	p.orch, err = orchestrator.New(orchestrator.FromConfig(cfg), acq, p.engine, det, p.buffer,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithAnomalySinks(sinks...),
	)
	if err != nil {
		_ = p.close(ctx)
		return nil, err
	}
	return p, nil
}

// apiExtensions builds the control API's auth and audit hooks. The API
// token is sealed and cleared from cfg like the InfluxDB token.
func apiExtensions(cfg *config.Config, logger *logging.Logger) (extensions.ServiceOptions, error) {
	var audit extensions.AuditLogger = extensions.NewLogAuditLogger(logger)
	if cfg.API.AuditCapacity > 0 {
		audit = extensions.NewAuditTrail(cfg.API.AuditCapacity, audit)
	}
	opts := extensions.DefaultOptions().WithAudit(audit)

	if cfg.API.Token == "" {
		if cfg.API.Enabled {
			logger.Warn("DAQ_API_TOKEN not set; control endpoints are unauthenticated")
		}
		return opts, nil
	}
	token, err := secrets.NewToken(cfg.API.Token)
	cfg.API.Token = ""
	if err != nil {
		return opts, fmt.Errorf("DAQ_API_TOKEN: %w", err)
	}
	return opts.WithAuth(extensions.NewTokenAuthProvider(token)), nil
}

// handlers builds the API handlers for this pipeline.
func (p *pipeline) handlers() *api.Handlers {
	opts := []api.HandlerOption{api.WithHandlerLogger(p.logger), api.WithExtensions(p.ext)}
	if p.anomalyLog != nil {
		opts = append(opts, api.WithAnomalySource(p.anomalyLog))
	}
	return api.NewHandlers(p.orch, p.store, p.cfg.MachineID, opts...)
}

// reload applies a changed config file. Only thresholds and the quality
// gate take effect without a restart.
func (p *pipeline) reload(next *config.Config) {
	p.engine.SetRules(validation.RulesFromConfig(next))
	p.logger.Info("Validation rules reloaded",
		"min_quality", next.Acquisition.MinQuality,
		"temp_max", next.Thresholds.TempMax,
		"pressure_max", next.Thresholds.PressureMax,
		"vibration_max", next.Thresholds.VibrationMax,
	)
}

// close releases storage. The orchestrator must already have shut down;
// its final flush is not repeated here.
func (p *pipeline) close(ctx context.Context) error {
	var errs []error
	if p.hub != nil {
		p.hub.Close()
	}
	if p.anomalyLog != nil {
		errs = append(errs, p.anomalyLog.Close())
	}
	switch {
	case p.buffer != nil:
		errs = append(errs, p.buffer.Close(ctx))
	case p.store != nil:
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}
