// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command daq runs the industrial sensor acquisition pipeline and its
// companion tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logJSON    bool

	rootCmd = &cobra.Command{
		Use:   "daq",
		Short: "Industrial sensor data acquisition pipeline",
		Long: `daq reads temperature, pressure, and vibration sensors over a
polled industrial bus, validates and annotates every reading, detects
anomalies, and persists the results to InfluxDB or an embedded store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition pipeline until interrupted",
		RunE:  runPipeline, // Defined in cmd_run.go
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Serve simulated machine sensors on the websocket bus",
		RunE:  runSimulate, // Defined in cmd_simulate.go
	}

	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Query stored readings and anomaly counts",
	}
	queryLatestCmd = &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent readings for a machine",
		RunE:  runQueryLatest, // Defined in cmd_query.go
	}
	queryAnomaliesCmd = &cobra.Command{
		Use:   "anomalies",
		Short: "Count anomalies over a trailing window",
		RunE:  runQueryAnomalies, // Defined in cmd_query.go
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file interactively",
		RunE:  runInit, // Defined in cmd_init.go
	}

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Live terminal view of a running pipeline",
		RunE:  runMonitor, // Defined in cmd_monitor.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (defaults plus environment when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "force JSON logs even on a terminal")

	simulateCmd.Flags().StringVar(&simulateListen, "listen", "", "bus listen address (default simulator.listen_addr)")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", 0, "random seed for reproducible runs (0 = random)")

	queryCmd.PersistentFlags().StringVarP(&queryMachine, "machine", "m", "", "machine ID (default machine_id from config)")
	queryCmd.PersistentFlags().BoolVar(&queryJSON, "json", false, "print JSON instead of a table")
	queryLatestCmd.Flags().StringVarP(&querySensorType, "sensor-type", "t", "", "filter by sensor type")
	queryLatestCmd.Flags().IntVarP(&queryLimit, "limit", "n", 10, "maximum readings")
	queryAnomaliesCmd.Flags().DurationVarP(&queryWindow, "window", "w", defaultQueryWindow, "trailing window")
	queryCmd.AddCommand(queryLatestCmd, queryAnomaliesCmd)

	initCmd.Flags().StringVarP(&initOutput, "output", "o", "daq.yaml", "where to write the config")
	initCmd.Flags().BoolVar(&initDefaults, "defaults", false, "write defaults without prompting")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")

	monitorCmd.Flags().StringVar(&monitorAddr, "api", "http://localhost:8090", "base URL of the pipeline API")
	monitorCmd.Flags().DurationVar(&monitorEvery, "every", defaultMonitorEvery, "refresh interval")
	monitorCmd.Flags().StringVar(&monitorToken, "token", "", "control API bearer token (default $DAQ_API_TOKEN)")

	rootCmd.AddCommand(runCmd, simulateCmd, queryCmd, initCmd, monitorCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
