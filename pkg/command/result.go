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

// Package command holds the transport-independent types shared by every
// command executor: the result of a run, the options controlling it and the
// error taxonomy used to classify failures.
package command

import "unicode/utf8"

// Result is the outcome of a command that ran to completion.
//
// A Result is immutable once built. The raw buffers are copied on the way in
// and on the way out, so callers can never mutate what another caller sees.
type Result struct {
	exitCode  int
	stdout    []byte
	stderr    []byte
	truncated bool
}

// NewResult builds a Result from a confirmed exit code and complete output.
func NewResult(exitCode int, stdout, stderr []byte) *Result {
	return &Result{
		exitCode: exitCode,
		stdout:   clone(stdout),
		stderr:   clone(stderr),
	}
}

// NewPartialResult builds a Result whose exit code is confirmed but whose
// output stream was cut short.
func NewPartialResult(exitCode int, stdout, stderr []byte) *Result {
	r := NewResult(exitCode, stdout, stderr)
	r.truncated = true
	return r
}

// ExitCode returns the exit code of the command.
func (r *Result) ExitCode() int { return r.exitCode }

// Truncated reports whether the captured output may be incomplete.
func (r *Result) Truncated() bool { return r.truncated }

// Stdout returns stdout decoded as UTF-8. Invalid byte sequences are replaced
// with U+FFFD.
func (r *Result) Stdout() string { return Decode(r.stdout) }

// Stderr returns stderr decoded as UTF-8. Invalid byte sequences are replaced
// with U+FFFD.
func (r *Result) Stderr() string { return Decode(r.stderr) }

// RawStdout returns a copy of the undecoded stdout bytes.
func (r *Result) RawStdout() []byte { return clone(r.stdout) }

// RawStderr returns a copy of the undecoded stderr bytes.
func (r *Result) RawStderr() []byte { return clone(r.stderr) }

// Decode converts b to a string, replacing each invalid UTF-8 byte with
// U+FFFD. It never fails.
func Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

// OrEmpty returns s, or a visible placeholder when s is empty. Used when
// logging command output.
func OrEmpty(s string) string {
	if s == "" {
		return "<<empty>>"
	}
	return s
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
