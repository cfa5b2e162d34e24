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
	"errors"
	"fmt"
	"os"

	"github.com/alexandremahdhaoui/devicetest/internal/util/gracefulshutdown"
)

const (
	Name = "devicetest"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	gs := gracefulshutdown.New(Name)

	root := newRootCmd(&app{
		stdin:      os.Stdin,
		out:        os.Stdout,
		errOut:     os.Stderr,
		onShutdown: gs.OnShutdown,
	})

	err := root.ExecuteContext(gs.Context())
	gs.Shutdown(exitCode(err))
}

// exitCode maps the error of a run to the exit code of the binary. Remote
// exit codes are passed through.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// exitCodeError carries the exit code of a command executed on the device.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}
