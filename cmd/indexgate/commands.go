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
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/IndexGate/services/gateway"
)

// serveOptions holds the serve flags. Flags left unset keep the value from
// the config file and environment.
type serveOptions struct {
	configPath string
	host       string
	port       int
	enginePath string
	snapshot   string
	logLevel   string
}

type healthcheckOptions struct {
	url     string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "indexgate",
		Short: "HTTP gateway for a line-protocol indexing engine",
		Long: `IndexGate supervises a long-running indexing engine process, forwards
JSON queries to it one at a time over stdin/stdout and serves its
benchmark results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newHealthcheckCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and supervise the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (default $INDEXGATE_CONFIG)")
	f.StringVar(&opts.host, "host", "", "listen host")
	f.IntVarP(&opts.port, "port", "p", 0, "listen port")
	f.StringVar(&opts.enginePath, "engine", "", "path to the engine binary")
	f.StringVar(&opts.snapshot, "snapshot", "", "path to the benchmark results file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func newHealthcheckCmd() *cobra.Command {
	opts := &healthcheckOptions{}
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running gateway and exit non-zero if it is unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://127.0.0.1:8080/api/health", "health endpoint URL")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "indexgate %s (%s %s/%s)\n",
				gateway.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
