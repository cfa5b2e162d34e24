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

// Package device exposes a test target behind a transport, with command
// execution and assertions that fail with retryable errors.
package device

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/devicetest/internal/metrics"
	"github.com/alexandremahdhaoui/devicetest/pkg/archive"
	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/transport"
)

// Device is a handle on one test target. It owns its transport session.
// Commands issued on the same Device must be serialized by the caller.
type Device struct {
	id            string
	name          string
	transport     transport.Transport
	defaults      command.Options
	shouldCleanup bool
	recorder      *metrics.Recorder
	clock         clock.Clock
	log           logr.Logger

	mu            sync.Mutex
	testStartTime time.Time
}

// Option configures a Device.
type Option func(*Device)

// WithName sets the display name. Defaults to the id.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithDefaults sets the options every command inherits.
func WithDefaults(opts command.Options) Option {
	return func(d *Device) { d.defaults = opts }
}

// WithShouldCleanup releases the transport on Cleanup.
func WithShouldCleanup(v bool) Option {
	return func(d *Device) { d.shouldCleanup = v }
}

// WithRecorder records every command execution.
func WithRecorder(r *metrics.Recorder) Option {
	return func(d *Device) { d.recorder = r }
}

func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clock = c }
}

func WithLogger(log logr.Logger) Option {
	return func(d *Device) { d.log = log }
}

// New returns a Device running commands through tr. The test start time is
// set to now.
func New(id string, tr transport.Transport, opts ...Option) *Device {
	d := &Device{
		id:        id,
		name:      id,
		transport: tr,
		clock:     clock.RealClock{},
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.log = d.log.WithValues("device", d.name, "transport", string(tr.Kind()))
	d.testStartTime = d.clock.Now()

	return d
}

func (d *Device) ID() string { return d.id }

func (d *Device) Name() string { return d.name }

func (d *Device) Transport() transport.Transport { return d.transport }

// UseSudo reports whether commands are elevated unless told otherwise.
func (d *Device) UseSudo() bool { return d.defaults.UseSudo() }

func (d *Device) ShouldCleanup() bool { return d.shouldCleanup }

func (d *Device) SetShouldCleanup(v bool) { d.shouldCleanup = v }

// TestStartTime is the default lower bound of GetLogs.
func (d *Device) TestStartTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testStartTime
}

func (d *Device) SetTestStartTime(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.testStartTime = t
}

// ResetTestStartTime sets the test start time to now.
func (d *Device) ResetTestStartTime() {
	d.SetTestStartTime(d.clock.Now())
}

// Execute runs cmd with opts layered over the device defaults.
func (d *Device) Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	opts = opts.WithDefaults(d.defaults)
	log := d.log.WithValues("cmd", cmd)

	log.V(1).Info("executing command", "sudo", opts.UseSudo(), "user", opts.User, "timeout", opts.EffectiveTimeout().String())

	start := d.clock.Now()
	res, err := d.transport.Execute(ctx, cmd, opts)
	d.recorder.Observe(string(d.transport.Kind()), d.clock.Since(start), res, err)

	if err != nil {
		log.Info("command failed", "err", err.Error())
		return nil, err
	}

	if opts.ShouldLogOutput() {
		log.Info("command executed",
			"exitCode", res.ExitCode(),
			"truncated", res.Truncated(),
			"stdout", command.OrEmpty(res.Stdout()),
			"stderr", command.OrEmpty(res.Stderr()))
	}

	return res, nil
}

// Restart reboots the device.
func (d *Device) Restart(ctx context.Context) error {
	d.log.Info("restarting device")
	_, err := d.Execute(ctx, "shutdown -r now", command.Options{})
	return err
}

// StartTime returns when the device started.
func (d *Device) StartTime(ctx context.Context) (time.Time, error) {
	if s, ok := d.transport.(transport.Starter); ok {
		return s.StartTime(ctx)
	}

	uptime, err := d.procUptime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return d.clock.Now().Add(-uptime), nil
}

// Uptime returns for how long the device has been running.
func (d *Device) Uptime(ctx context.Context) (time.Duration, error) {
	if s, ok := d.transport.(transport.Starter); ok {
		started, err := s.StartTime(ctx)
		if err != nil {
			return 0, err
		}
		return d.clock.Since(started), nil
	}
	return d.procUptime(ctx)
}

func (d *Device) procUptime(ctx context.Context) (time.Duration, error) {
	res, err := d.AssertCommand(ctx, "cat /proc/uptime", command.Options{LogOutput: ptr.To(false)})
	if err != nil {
		return 0, err
	}

	fields := strings.Fields(res.Stdout())
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/uptime content %q", res.Stdout())
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing uptime %q: %w", fields[0], err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// IPAddress returns the device address, when the transport knows it.
func (d *Device) IPAddress(ctx context.Context) (string, error) {
	a, ok := d.transport.(transport.Addresser)
	if !ok {
		return "", fmt.Errorf("%w: ip address of %s device", command.ErrNotSupported, d.transport.Kind())
	}
	return a.IPAddress(ctx)
}

// Stats returns the resource usage of the device, when available.
func (d *Device) Stats(ctx context.Context) (map[string]any, error) {
	s, ok := d.transport.(transport.StatsReader)
	if !ok {
		return nil, fmt.Errorf("%w: stats of %s device", command.ErrNotSupported, d.transport.Kind())
	}
	return s.Stats(ctx)
}

// CopyTo copies the local files matched by the glob src to dst on the
// device. dst is a directory when it ends with a slash or src matches
// several files.
func (d *Device) CopyTo(ctx context.Context, src, dst string) error {
	var buf bytes.Buffer
	total, err := archive.Build(&buf, src)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", src, err)
	}

	parent := archive.ParentDir(dst, total)
	d.log.Info("copying files to device", "src", src, "dst", dst, "files", total, "parent", parent)

	quiet := ptr.To(false)
	if _, err := d.AssertCommand(ctx, "mkdir -p "+shellescape.Quote(parent), command.Options{LogOutput: quiet}); err != nil {
		return err
	}

	if c, ok := d.transport.(transport.ArchiveCopier); ok {
		return c.CopyArchive(ctx, parent, &buf)
	}

	_, err = d.AssertCommand(ctx, "tar xf - -C "+shellescape.Quote(parent), command.Options{
		Stdin:     &buf,
		LogOutput: quiet,
	})
	return err
}

// Cleanup releases the transport when the device should be cleaned up or
// force is set. Close errors are logged.
func (d *Device) Cleanup(force bool) {
	if !force && !d.shouldCleanup {
		d.log.Info("skipping cleanup due to shouldCleanup not being set")
		return
	}

	d.log.Info("cleaning up device")
	if err := d.transport.Close(); err != nil {
		d.log.Info("error closing transport", "err", err.Error())
	}
}

// GenerateName returns a random name, prefixed with prefix when set.
func GenerateName(prefix string) string {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
