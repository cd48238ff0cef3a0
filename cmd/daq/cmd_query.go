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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDAQ/pkg/secrets"
	"github.com/AleutianAI/AleutianDAQ/pkg/ux"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

const defaultQueryWindow = time.Hour

var (
	queryMachine    string
	querySensorType string
	queryLimit      int
	queryWindow     time.Duration
	queryJSON       bool
)

// runQueryLatest implements `daq query latest`.
func runQueryLatest(cmd *cobra.Command, args []string) error {
	defer secrets.Purge()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "daq-query")
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	machine := cfg.MachineID
	if queryMachine != "" {
		machine = queryMachine
	}
	rows, err := store.Query(cmd.Context(), storage.Window{
		MachineID:  machine,
		SensorType: datatypes.SensorType(querySensorType),
		Limit:      queryLimit,
	})
	if err != nil {
		return err
	}

	if queryJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		newPrinter(cmd).Info(fmt.Sprintf("No readings for %s", machine))
		return nil
	}
	newPrinter(cmd).Println(renderReadings(rows))
	return nil
}

// runQueryAnomalies implements `daq query anomalies`.
func runQueryAnomalies(cmd *cobra.Command, args []string) error {
	defer secrets.Purge()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "daq-query")
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	machine := cfg.MachineID
	if queryMachine != "" {
		machine = queryMachine
	}
	n, err := store.CountAnomalies(cmd.Context(), machine, queryWindow)
	if err != nil {
		return err
	}

	if queryJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"machine_id":     machine,
			"window_seconds": queryWindow.Seconds(),
			"count":          n,
		})
	}
	newPrinter(cmd).Info(fmt.Sprintf("%s: %d anomalies in the last %s", machine, n, queryWindow))
	return nil
}

// renderReadings formats rows as a bordered table, newest first.
func renderReadings(rows []datatypes.SensorReading) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(ux.Styles.Border).
		Headers("TIME", "SENSOR", "VALUE", "UNIT", "QUALITY", "STATUS", "ANOMALY")

	for _, r := range rows {
		tag := ""
		if a, ok := r.Tag(); ok {
			tag = ux.Styles.Error.Render(string(a))
		}
		t.Row(
			r.Timestamp.Local().Format(time.DateTime),
			string(r.SensorType),
			strconv.FormatFloat(r.Value, 'f', 2, 64),
			r.Unit,
			strconv.Itoa(r.Quality),
			string(r.Status),
			tag,
		)
	}
	return ux.Styles.Title.Render(fmt.Sprintf("%d readings", len(rows))) + "\n" + t.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
