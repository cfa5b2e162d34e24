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

package command

import (
	"io"
	"maps"
	"time"

	"k8s.io/utils/ptr"
)

const (
	// DefaultTimeout bounds a command when no timeout is configured.
	DefaultTimeout = 120 * time.Second
	// DefaultShellBin is the shell used to wrap commands.
	DefaultShellBin = "/bin/sh"
)

// Options controls how a single command is executed.
//
// Pointer fields distinguish "unset" from the zero value so that per-call
// options can be layered over per-device defaults with WithDefaults.
type Options struct {
	// Shell wraps the command as `<ShellBin> -c <command>`. Defaults to true.
	Shell *bool
	// ShellBin is the shell used when Shell is true. Defaults to /bin/sh.
	ShellBin string
	// Env is injected into the command environment. Per-call values override
	// per-device values with the same key.
	Env map[string]string
	// User runs the command as another user.
	User string
	// Sudo elevates the command with `sudo -E`. Defaults to false.
	Sudo *bool
	// Timeout bounds the whole execution. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Expect is the exit code expectation used by assertions. Defaults to 0.
	Expect *Expectation
	// LogOutput logs the command output once it completes. Defaults to true.
	LogOutput *bool
	// PTY requests a pseudo-terminal where the transport supports it. Stderr
	// is then merged into stdout.
	PTY bool
	// NormalizeNewlines converts CRLF to LF in the captured output. When nil,
	// it is enabled only if a pty was requested.
	NormalizeNewlines *bool
	// WorkDir is the working directory of the command, if supported.
	WorkDir string
	// Stdin is streamed to the command, if supported.
	Stdin io.Reader
}

// WithDefaults returns o with every unset field taken from d. Environment
// maps are merged, o winning on conflicts.
func (o Options) WithDefaults(d Options) Options {
	out := o

	if out.Shell == nil {
		out.Shell = d.Shell
	}
	if out.ShellBin == "" {
		out.ShellBin = d.ShellBin
	}
	if out.User == "" {
		out.User = d.User
	}
	if out.Sudo == nil {
		out.Sudo = d.Sudo
	}
	if out.Timeout == 0 {
		out.Timeout = d.Timeout
	}
	if out.Expect == nil {
		out.Expect = d.Expect
	}
	if out.LogOutput == nil {
		out.LogOutput = d.LogOutput
	}
	if out.NormalizeNewlines == nil {
		out.NormalizeNewlines = d.NormalizeNewlines
	}
	if out.WorkDir == "" {
		out.WorkDir = d.WorkDir
	}
	if out.Stdin == nil {
		out.Stdin = d.Stdin
	}
	out.PTY = o.PTY || d.PTY

	env := make(map[string]string, len(d.Env)+len(o.Env))
	maps.Copy(env, d.Env)
	maps.Copy(env, o.Env)
	out.Env = env

	return out
}

// UseShell reports whether the command is wrapped in a shell.
func (o Options) UseShell() bool { return ptr.Deref(o.Shell, true) }

// UseSudo reports whether the command is elevated.
func (o Options) UseSudo() bool { return ptr.Deref(o.Sudo, false) }

// ShouldLogOutput reports whether the output is logged after execution.
func (o Options) ShouldLogOutput() bool { return ptr.Deref(o.LogOutput, true) }

// ShouldNormalizeNewlines reports whether CRLF is converted to LF.
func (o Options) ShouldNormalizeNewlines() bool { return ptr.Deref(o.NormalizeNewlines, o.PTY) }

// Shellbin returns the configured shell or DefaultShellBin.
func (o Options) Shellbin() string {
	if o.ShellBin == "" {
		return DefaultShellBin
	}
	return o.ShellBin
}

// EffectiveTimeout returns the configured timeout or DefaultTimeout.
func (o Options) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Expectation returns the configured exit code expectation, or ExitCode(0).
func (o Options) Expectation() Expectation {
	if o.Expect == nil {
		return ExitCode(0)
	}
	return *o.Expect
}
