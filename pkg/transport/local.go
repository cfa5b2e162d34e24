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

package transport

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/execcontext"
)

// DefaultWaitDelay bounds how long output pipes are drained once a timed
// out process has been killed.
const DefaultWaitDelay = 2 * time.Second

var _ Transport = &Local{}

// Local runs commands as child processes of the current process.
type Local struct {
	WaitDelay time.Duration

	log logr.Logger
}

func NewLocal(log logr.Logger) *Local {
	return &Local{WaitDelay: DefaultWaitDelay, log: log}
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	argv, err := execcontext.Argv(opts, cmd)
	if err != nil {
		return nil, err
	}
	if opts.PTY {
		l.log.V(1).Info("pseudo-terminal not supported by local transport, ignoring")
	}

	timeout := opts.EffectiveTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	execcontext.ApplyToCmd(execcontext.FromOptions(opts, execcontext.Capabilities{NativeEnv: true}), c)
	c.Dir = opts.WorkDir
	c.Stdin = opts.Stdin
	c.WaitDelay = l.WaitDelay

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err = c.Run()

	if execCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, transportError("running command", ctx.Err())
		}
		return nil, timeoutError(cmd, timeout)
	}

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		l.log.Info("command left its output open after exiting", "cmd", command.Snippet(cmd))
		exitCode = c.ProcessState.ExitCode()
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exitCode = 128 + int(ws.Signal())
		}
	default:
		return nil, transportError("starting "+argv[0], err)
	}

	return command.NewResult(
		exitCode,
		normalizeNewlines(opts, stdout.Bytes()),
		normalizeNewlines(opts, stderr.Bytes()),
	), nil
}

// Close implements Transport. Local processes hold no session.
func (l *Local) Close() error { return nil }
