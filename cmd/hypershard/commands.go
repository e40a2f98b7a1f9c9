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
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// --- Global Command Variables ---
var (
	listenAddr     string
	storePath      string
	strategyPath   string
	logDir         string
	logLevel       string
	logJSON        bool
	quiet          bool
	traceExporter  string
	metricExporter string
	sampleRate     float64
	maxConcurrency int
	queueDepth     int
	shardTimeout   time.Duration
	submitRate     float64
	submitBurst    int

	rootCmd = &cobra.Command{
		Use:   "hypershard",
		Short: "A daemon that shards large jobs and heals them to certification",
		Long: `HyperShard splits a submitted job into independently executable
				shards, checkpoints every result, and self-heals failures until
				the plan certifies against its Merkle aggregation root.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the execution engine and its HTTP API",
		Run:   runServe, // Defined in cmd_serve.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the hypershard version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("hypershard", version)
		},
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":12250", "Address the HTTP API listens on")
	serveCmd.Flags().StringVar(&storePath, "store", "~/.hypershard/store", "Directory for the checkpoint database")
	serveCmd.Flags().StringVar(&strategyPath, "strategies", "", "Partition strategy bindings file (YAML); hot-reloaded on change")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for log files (empty disables file logging)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, or error")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs on stderr")
	serveCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress stderr logging")
	serveCmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "Trace exporter: stdout or none")
	serveCmd.Flags().StringVar(&metricExporter, "metric-exporter", "prometheus", "Metric exporter: prometheus or none")
	serveCmd.Flags().Float64Var(&sampleRate, "sample-rate", 1.0, "Trace sampling ratio in [0, 1]")
	serveCmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Worker pool size (0 uses the default)")
	serveCmd.Flags().IntVar(&queueDepth, "queue-depth", 0, "Admission queue bound beyond the pool (0 uses the default)")
	serveCmd.Flags().DurationVar(&shardTimeout, "shard-timeout", 0, "Per-shard hard timeout (0 uses the default)")
	serveCmd.Flags().Float64Var(&submitRate, "submit-rate", 0, "Plan submissions allowed per second (0 uses the default)")
	serveCmd.Flags().IntVar(&submitBurst, "submit-burst", 0, "Plan submission burst size (0 uses the default)")

	rootCmd.AddCommand(versionCmd)
}
