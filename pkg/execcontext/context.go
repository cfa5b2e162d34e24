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

// Package execcontext turns a command string and its execution options into
// the argument vector or command line a transport actually runs: privilege
// elevation, user switching, environment injection and shell wrapping.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/mattn/go-shellwords"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Capabilities describes what a transport applies natively, so that it is
// not also added to the command line.
type Capabilities struct {
	// NativeEnv is true when the transport sets the environment itself.
	NativeEnv bool
	// NativeUser is true when the transport can run as another user itself.
	NativeUser bool
}

// FromOptions builds the execution context for opts.
//
// Elevation comes first (`sudo -E -u <user>` or `sudo -E`), then, unless the
// transport sets it natively, the environment as `env K=V ...` so it survives
// the elevation.
func FromOptions(opts command.Options, caps Capabilities) Context {
	var prepend []string

	switch {
	case opts.User != "" && !caps.NativeUser:
		prepend = append(prepend, "sudo", "-E", "-u", opts.User)
	case opts.UseSudo():
		prepend = append(prepend, "sudo", "-E")
	}

	envs := map[string]string{}
	if len(opts.Env) > 0 {
		if caps.NativeEnv {
			maps.Copy(envs, opts.Env)
		} else {
			prepend = append(prepend, "env")
			for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
				prepend = append(prepend, fmt.Sprintf("%s=%s", k, opts.Env[k]))
			}
		}
	}

	return New(envs, prepend)
}

// Argv returns the argument vector running cmd, without the prepended
// command. With a shell, cmd is passed verbatim to `<shell> -c`; otherwise it
// is split into words following shell quoting rules.
func Argv(opts command.Options, cmd string) ([]string, error) {
	if opts.UseShell() {
		return []string{opts.Shellbin(), "-c", cmd}, nil
	}

	args, err := shellwords.Parse(cmd)
	if err != nil {
		return nil, fmt.Errorf("splitting command %q: %w", command.Snippet(cmd), err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}

// FullArgv returns the prepended command followed by argv.
func FullArgv(ctx Context, argv ...string) []string {
	return append(ctx.PrependCmd(), argv...)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd injects the context into cmd. The environment is layered over
// the current process environment.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		for _, k := range slices.Sorted(maps.Keys(envs)) {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
		}
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Err = tmpCmd.Err
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders the context and cmd as a single POSIX shell command
// line, as needed by transports that take a string.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	// Add environment variables first (without quoting the entire assignment)
	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(shellescape.Quote(envs[k]))
		sb.WriteByte(' ')
	}

	for _, s := range FullArgv(ctx, cmd...) {
		safelyAppendToCmd(&sb, s)
	}

	return strings.TrimSpace(sb.String())
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
	"|":  {},
}

func safelyAppendToCmd(sb *strings.Builder, s string) {
	if _, ok := unquottable[s]; ok {
		sb.WriteString(s)
	} else {
		sb.WriteString(shellescape.Quote(s))
	}
	sb.WriteByte(' ')
}
