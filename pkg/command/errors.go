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

import "errors"

var (
	// ErrTransport indicates the command could not be run at all: the
	// connection, authentication or process spawn failed.
	ErrTransport = errors.New("transport error")

	// ErrCommandTimeout indicates the command was abandoned after exceeding
	// its time budget. Its exit code is unknown.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrStreamTruncated indicates the output stream was cut short and the
	// exit code could not be confirmed.
	ErrStreamTruncated = errors.New("output stream truncated")

	// ErrNotSupported is returned by operations a transport cannot perform.
	ErrNotSupported = errors.New("operation not supported by transport")
)

// Snippet shortens a command for error messages: commands longer than 30
// characters are cut and suffixed with "...".
func Snippet(cmd string) string {
	const maxLen = 30
	r := []rune(cmd)
	if len(r) <= maxLen {
		return cmd
	}
	return string(r[:maxLen]) + "..."
}
