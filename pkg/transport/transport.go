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

// Package transport executes commands on a device through a local process,
// an SSH session, a docker exec or a Kubernetes pod exec, and returns a
// uniform command.Result.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
)

// Kind names a transport variant.
type Kind string

const (
	KindLocal      Kind = "local"
	KindSSH        Kind = "ssh"
	KindDocker     Kind = "docker"
	KindKubernetes Kind = "kubernetes"
)

// Transport runs commands on one device. Calls on the same Transport must be
// serialized by the caller.
type Transport interface {
	Kind() Kind
	// Execute runs cmd to completion or timeout.
	//
	// A non-nil Result always carries a known exit code. Errors wrap
	// command.ErrTransport, command.ErrCommandTimeout or
	// command.ErrStreamTruncated.
	Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error)
	// Close releases the session held by the transport.
	Close() error
}

// ArchiveCopier is implemented by transports able to extract a tar archive
// into a directory of the device natively.
type ArchiveCopier interface {
	CopyArchive(ctx context.Context, dir string, archive io.Reader) error
}

// Addresser is implemented by transports that know the device IP address.
type Addresser interface {
	IPAddress(ctx context.Context) (string, error)
}

// StatsReader is implemented by transports exposing resource usage.
type StatsReader interface {
	Stats(ctx context.Context) (map[string]any, error)
}

// Starter is implemented by transports that know when the device started.
type Starter interface {
	StartTime(ctx context.Context) (time.Time, error)
}

func timeoutError(cmd string, timeout time.Duration) error {
	return fmt.Errorf("%w: %q did not complete within %s", command.ErrCommandTimeout, command.Snippet(cmd), timeout)
}

func transportError(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", command.ErrTransport, action, err)
}

// stepError classifies the failure of a step run under stepCtx, derived from
// parent with the command timeout.
func stepError(parent, stepCtx context.Context, cmd string, timeout time.Duration, action string, err error) error {
	if parent.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return timeoutError(cmd, timeout)
	}
	return transportError(action, err)
}

func normalizeNewlines(opts command.Options, b []byte) []byte {
	if !opts.ShouldNormalizeNewlines() {
		return b
	}
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

func runFuncAndLogErr(log logr.Logger, what string, f func() error) {
	if err := f(); err != nil {
		log.V(1).Info("error closing "+what, "err", err.Error())
	}
}
