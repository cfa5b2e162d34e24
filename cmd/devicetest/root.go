// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexandremahdhaoui/devicetest/internal/metrics"
	"github.com/alexandremahdhaoui/devicetest/internal/util/logging"
	"github.com/alexandremahdhaoui/devicetest/pkg/config"
	"github.com/alexandremahdhaoui/devicetest/pkg/device"
)

const metricsShutdownTimeout = 5 * time.Second

// app holds the state shared by the subcommands of one run.
type app struct {
	stdin      *os.File
	out        io.Writer
	errOut     io.Writer
	onShutdown func(what string, f func() error)

	// flags
	configPath   string
	verbosity    int
	development  bool
	retryWait    time.Duration
	retryTimeout time.Duration
	noRetry      bool

	cfg      *config.Config
	log      logr.Logger
	registry *prometheus.Registry
	device   *device.Device
	asserter device.Asserter
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   Name,
		Short: "Run commands and assertions against a test device",
		Long: `devicetest connects to the device described by a config file and runs
commands or assertions on it. The device is reached through one of the
local, ssh, docker or kubernetes adapters.

Assertions are retried until they pass or the retry timeout elapses.

Environment Variables:
  DEVICETEST_CONFIG_PATH  Config file used when --config is not set`,
		Version:           fmt.Sprintf("%s (%s) %s", Version, CommitSHA, BuildTimestamp),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	if a.stdin != nil {
		root.SetIn(a.stdin)
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "",
		fmt.Sprintf("Device config file (default: $%s)", config.ConfigPathEnvKey))
	flags.CountVarP(&a.verbosity, "verbose", "v", "Increase log verbosity")
	flags.BoolVar(&a.development, "dev", false, "Human-readable logs")
	flags.DurationVar(&a.retryWait, "retry-wait", 0, "Wait between assertion attempts (default: from config)")
	flags.DurationVar(&a.retryTimeout, "retry-timeout", 0, "Time budget of an assertion (default: from config)")
	flags.BoolVar(&a.noRetry, "no-retry", false, "Run assertions once")

	root.AddCommand(
		newExecCmd(a),
		newAssertCmd(a),
		newLogsCmd(a),
		newChecksumCmd(a),
		newPermissionsCmd(a),
		newCopyCmd(a),
		newInfoCmd(a),
	)

	return root
}

// setup loads the config and connects to the device.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.log = logging.Setup(logging.Options{
		Development: a.development,
		Verbosity:   a.verbosity,
		Writer:      a.errOut,
	}).WithName(Name)

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.registry = prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(a.registry)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics); err != nil {
			return err
		}
	}

	d, err := device.FromConfig(cmd.Context(), cfg, a.log.WithName("device").WithValues("device", cfg.DisplayName()),
		device.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("connecting to device %s: %w", cfg.DisplayName(), err)
	}
	a.device = d
	// The cli only owns the connection, never the device itself.
	a.onShutdown("device", func() error {
		d.Cleanup(true)
		return nil
	})

	if a.noRetry {
		a.asserter = d
		return nil
	}

	policy := cfg.RetryPolicy()
	if a.retryWait > 0 {
		policy.Wait = a.retryWait
	}
	if a.retryTimeout > 0 {
		policy.Timeout = a.retryTimeout
	}
	policy.Logger = a.log.WithName("retry")
	a.asserter = device.NewRetrying(d, policy)

	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath == "" {
		return config.LoadFromEnv()
	}
	return config.Load(a.configPath)
}

func (a *app) serveMetrics(cfg config.Metrics) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening for metrics: %w", err)
	}

	srv := metrics.NewServer(cfg.Addr, cfg.Path, a.registry)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(err, "serving metrics")
		}
	}()

	a.log.V(1).Info("serving metrics", "addr", ln.Addr().String())
	a.onShutdown("metrics server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	return nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f any) bool {
	file, ok := f.(*os.File)
	return ok && file != nil && term.IsTerminal(int(file.Fd()))
}
