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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDAQ/pkg/validation"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
)

var (
	initOutput   string
	initDefaults bool
	initForce    bool
)

// initAnswers holds the wizard's raw answers. Numbers stay strings until
// applyAnswers so the form can validate them inline.
type initAnswers struct {
	MachineID    string
	Location     string
	Interval     string
	MinQuality   string
	BusMode      string
	BusURL       string
	Backend      string
	InfluxURL    string
	InfluxOrg    string
	InfluxBucket string
	BadgerPath   string
	EnableAPI    bool
	APIAddr      string
}

func answersFrom(cfg config.Config) initAnswers {
	return initAnswers{
		MachineID:    cfg.MachineID,
		Location:     cfg.Location,
		Interval:     cfg.Acquisition.Interval.String(),
		MinQuality:   strconv.Itoa(cfg.Acquisition.MinQuality),
		BusMode:      cfg.Bus.Mode,
		BusURL:       cfg.Bus.URL,
		Backend:      cfg.Storage.Backend,
		InfluxURL:    cfg.Storage.Influx.URL,
		InfluxOrg:    cfg.Storage.Influx.Org,
		InfluxBucket: cfg.Storage.Influx.Bucket,
		BadgerPath:   cfg.Storage.Badger.Path,
		EnableAPI:    cfg.API.Enabled,
		APIAddr:      cfg.API.Addr,
	}
}

// applyAnswers writes a onto cfg and validates the result.
func applyAnswers(cfg *config.Config, a initAnswers) error {
	interval, err := time.ParseDuration(strings.TrimSpace(a.Interval))
	if err != nil {
		return fmt.Errorf("acquisition interval: %w", err)
	}
	minQuality, err := strconv.Atoi(strings.TrimSpace(a.MinQuality))
	if err != nil {
		return fmt.Errorf("minimum quality: %w", err)
	}

	cfg.MachineID = strings.TrimSpace(a.MachineID)
	cfg.Location = strings.TrimSpace(a.Location)
	cfg.Acquisition.Interval = interval
	cfg.Acquisition.MinQuality = minQuality
	cfg.Bus.Mode = a.BusMode
	cfg.Bus.URL = strings.TrimSpace(a.BusURL)
	cfg.Storage.Backend = a.Backend
	cfg.Storage.Influx.URL = strings.TrimSpace(a.InfluxURL)
	cfg.Storage.Influx.Org = strings.TrimSpace(a.InfluxOrg)
	cfg.Storage.Influx.Bucket = strings.TrimSpace(a.InfluxBucket)
	cfg.Storage.Badger.Path = strings.TrimSpace(a.BadgerPath)
	cfg.API.Enabled = a.EnableAPI
	cfg.API.Addr = strings.TrimSpace(a.APIAddr)
	return cfg.Validate()
}

// initForm builds the wizard over a.
func initForm(a *initAnswers) *huh.Form {
	required := func(name string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", name)
			}
			return nil
		}
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Machine ID").
				Description("Letters, digits, '_', '.', '-'; used in every stored point").
				Value(&a.MachineID).
				Validate(validation.ValidateIdentifier),
			huh.NewInput().Title("Location").Value(&a.Location).Validate(validation.ValidateLocation),
			huh.NewInput().Title("Acquisition interval").Description("Go duration, e.g. 5s").
				Value(&a.Interval).
				Validate(func(s string) error {
					d, err := time.ParseDuration(strings.TrimSpace(s))
					if err == nil && d <= 0 {
						err = errors.New("must be positive")
					}
					return err
				}),
			huh.NewInput().Title("Minimum reading quality (0-100)").
				Value(&a.MinQuality).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err == nil && (n < 0 || n > 100) {
						err = errors.New("must be between 0 and 100")
					}
					return err
				}),
		).Title("Machine"),

		huh.NewGroup(
			huh.NewSelect[string]().Title("Sensor bus").
				Options(
					huh.NewOption("Built-in simulator (local)", "local"),
					huh.NewOption("Remote bus over websocket", "websocket"),
				).
				Value(&a.BusMode),
		).Title("Bus"),

		huh.NewGroup(
			huh.NewInput().Title("Bus URL").Placeholder("ws://localhost:4840/bus").
				Value(&a.BusURL).Validate(required("bus URL")),
		).WithHideFunc(func() bool { return a.BusMode != "websocket" }),

		huh.NewGroup(
			huh.NewSelect[string]().Title("Storage backend").
				Options(
					huh.NewOption("Embedded (Badger)", "badger"),
					huh.NewOption("InfluxDB 2.x", "influx"),
				).
				Value(&a.Backend),
		).Title("Storage"),

		huh.NewGroup(
			huh.NewInput().Title("InfluxDB URL").Value(&a.InfluxURL).Validate(required("InfluxDB URL")),
			huh.NewInput().Title("Organization").Value(&a.InfluxOrg).Validate(required("organization")),
			huh.NewInput().Title("Bucket").Value(&a.InfluxBucket).Validate(required("bucket")),
			huh.NewNote().Title("Token").Description("Set INFLUXDB_TOKEN in the environment; it is never written to the config file."),
		).WithHideFunc(func() bool { return a.Backend != "influx" }),

		huh.NewGroup(
			huh.NewInput().Title("Data directory").Value(&a.BadgerPath).Validate(required("data directory")),
		).WithHideFunc(func() bool { return a.Backend != "badger" }),

		huh.NewGroup(
			huh.NewConfirm().Title("Serve the HTTP control API?").Value(&a.EnableAPI),
		),
		huh.NewGroup(
			huh.NewInput().Title("API listen address").Value(&a.APIAddr).Validate(required("listen address")),
		).WithHideFunc(func() bool { return !a.EnableAPI }),
	)
}

// runInit implements `daq init`.
func runInit(cmd *cobra.Command, args []string) error {
	out := newPrinter(cmd)
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
	}

	cfg := config.Default()
	if !initDefaults {
		answers := answersFrom(cfg)
		if err := initForm(&answers).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				out.Info("Aborted; nothing written.")
				return nil
			}
			return err
		}
		if err := applyAnswers(&cfg, answers); err != nil {
			return err
		}
	}

	if err := config.Save(initOutput, &cfg); err != nil {
		return err
	}
	out.Success(fmt.Sprintf("Wrote %s", initOutput))
	if cfg.Storage.Backend == "influx" {
		out.Box("InfluxDB token", "Export INFLUXDB_TOKEN before `daq run`; it is never stored in the config file.")
	}
	return nil
}
