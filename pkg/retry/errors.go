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

package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrAssertion marks a condition that is not true yet. Retried by default.
	ErrAssertion = errors.New("assertion failed")

	// ErrFinalAssertion marks a condition that can never become true by
	// waiting. Never retried.
	ErrFinalAssertion = errors.New("final assertion failed")
)

// Failf returns a retryable assertion error.
func Failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAssertion, fmt.Sprintf(format, args...))
}

// Finalf returns an assertion error that stops any retry loop at once. It
// still matches ErrAssertion.
func Finalf(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrFinalAssertion, ErrAssertion, fmt.Sprintf(format, args...))
}
