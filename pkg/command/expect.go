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
	"fmt"
	"strconv"
	"strings"
)

// Expectation describes the exit code a command is expected to return.
//
// The zero value expects exit code 0.
type Expectation struct {
	code   int
	negate bool
	any    bool
}

// ExitCode expects the command to exit with exactly code.
func ExitCode(code int) Expectation { return Expectation{code: code} }

// NotExitCode expects the command to exit with anything but code.
func NotExitCode(code int) Expectation { return Expectation{code: code, negate: true} }

// AnyExitCode disables the exit code check.
func AnyExitCode() Expectation { return Expectation{any: true} }

// ParseExpectation parses "N", "!N" (must not equal N) or "*" (any code).
func ParseExpectation(s string) (Expectation, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return AnyExitCode(), nil
	}

	negate := strings.HasPrefix(s, "!")
	if negate {
		s = strings.TrimSpace(s[1:])
	}

	code, err := strconv.Atoi(s)
	if err != nil {
		return Expectation{}, fmt.Errorf("invalid exit code expectation %q: %w", s, err)
	}

	return Expectation{code: code, negate: negate}, nil
}

// Matches reports whether exitCode satisfies the expectation.
func (e Expectation) Matches(exitCode int) bool {
	switch {
	case e.any:
		return true
	case e.negate:
		return exitCode != e.code
	default:
		return exitCode == e.code
	}
}

// String implements fmt.Stringer.
func (e Expectation) String() string {
	switch {
	case e.any:
		return "*"
	case e.negate:
		return "!" + strconv.Itoa(e.code)
	default:
		return strconv.Itoa(e.code)
	}
}
