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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/IndexGate/services/gateway"
	"github.com/AleutianAI/IndexGate/services/gateway/config"
	"github.com/AleutianAI/IndexGate/services/gateway/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "indexgate "+gateway.Version)
}

func healthServer(t *testing.T, status int, body gateway.HealthResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthcheck_Healthy(t *testing.T) {
	srv := healthServer(t, http.StatusOK, gateway.HealthResponse{
		Status: "healthy",
		Engine: engine.Status{StateName: "running", PID: 77, Restarts: 2},
	})

	out, err := execute(t, "healthcheck", "--url", srv.URL+"/api/health")
	require.NoError(t, err)
	assert.Contains(t, out, "engine running (pid 77, restarts 2)")
}

func TestHealthcheck_Failures(t *testing.T) {
	degraded := healthServer(t, http.StatusOK, gateway.HealthResponse{
		Status: "degraded",
		Engine: engine.Status{StateName: "restarting"},
	})
	_, err := execute(t, "healthcheck", "--url", degraded.URL+"/api/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine restarting")

	broken := healthServer(t, http.StatusInternalServerError, gateway.HealthResponse{})
	_, err = execute(t, "healthcheck", "--url", broken.URL+"/api/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	_, err = execute(t, "healthcheck", "--url", "http://127.0.0.1:1/api/health", "--timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestLoadServeConfig_FlagsOverrideFile(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	path := filepath.Join(t.TempDir(), "indexgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\nengine:\n  path: /from/file\n"), 0644))

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--engine", "/from/flag", "--log-level", "debug"}))

	opts := &serveOptions{}
	opts.configPath, _ = cmd.Flags().GetString("config")
	opts.enginePath, _ = cmd.Flags().GetString("engine")
	opts.logLevel, _ = cmd.Flags().GetString("log-level")

	cfg, err := loadServeConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port, "unset flags keep file values")
	assert.Equal(t, "/from/flag", cfg.Engine.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestServe_InvalidConfig(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	_, err := execute(t, "serve", "--port", "70000")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestServe_UnknownArgument(t *testing.T) {
	_, err := execute(t, "serve", "extra")
	assert.Error(t, err)
}
