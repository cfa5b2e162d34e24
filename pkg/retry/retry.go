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

// Package retry re-invokes an operation until it succeeds, fails with an
// error that is not worth retrying, or a deadline elapses.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
)

const (
	DefaultWait    = 2 * time.Second
	DefaultTimeout = 30 * time.Second
)

// Classifier reports whether an error belongs to a kind.
type Classifier func(error) bool

// Is classifies errors matching target with errors.Is.
func Is(target error) Classifier {
	return func(err error) bool { return errors.Is(err, target) }
}

// As classifies errors assignable to T with errors.As.
func As[T error]() Classifier {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// IOError classifies generic I/O failures: filesystem, network and
// unexpected end of stream.
func IOError(err error) bool {
	var (
		pathErr *os.PathError
		netErr  net.Error
	)
	return errors.As(err, &pathErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// DefaultRetryable lists the kinds retried by default: unmet assertions,
// transport failures and I/O errors.
func DefaultRetryable() []Classifier {
	return []Classifier{
		Is(ErrAssertion),
		Is(command.ErrTransport),
		Is(command.ErrStreamTruncated),
		IOError,
	}
}

// DefaultFinal lists the kinds that always short-circuit the retry loop.
func DefaultFinal() []Classifier {
	return []Classifier{Is(ErrFinalAssertion)}
}

// Policy configures a retry loop.
type Policy struct {
	// Retryable kinds are retried while time remains. Defaults to
	// DefaultRetryable.
	Retryable []Classifier
	// Final kinds are returned immediately, even when they also match a
	// retryable kind. Defaults to DefaultFinal.
	Final []Classifier
	// Wait between attempts. Defaults to DefaultWait.
	Wait time.Duration
	// Timeout bounds the whole loop. Defaults to DefaultTimeout.
	Timeout time.Duration

	Clock  clock.Clock
	Logger logr.Logger
}

// DefaultPolicy returns a Policy with every field set to its default.
func DefaultPolicy() Policy {
	return Policy{}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable()
	}
	if p.Final == nil {
		p.Final = DefaultFinal()
	}
	if p.Wait <= 0 {
		p.Wait = DefaultWait
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Clock == nil {
		p.Clock = clock.RealClock{}
	}
	if p.Logger.GetSink() == nil {
		p.Logger = logr.Discard()
	}
	return p
}

// ExhaustedError is returned when the deadline elapsed while the operation
// kept failing with a retryable error.
type ExhaustedError struct {
	Elapsed  time.Duration
	Attempts int
	Timeout  time.Duration
	Wait     time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf(
		"retries ended. duration=%.3fs, attempts=%d, timeout=%.3fs, wait=%.3fs: %v",
		e.Elapsed.Seconds(), e.Attempts, e.Timeout.Seconds(), e.Wait.Seconds(), e.Err,
	)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds or the policy gives up.
//
// Final errors and errors of no configured kind are returned as is. When the
// deadline elapses, or ctx is done, the last error is returned wrapped in an
// ExhaustedError.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	start := p.Clock.Now()
	attempts := 0

	for {
		attempts++

		out, err := op(ctx)
		if err == nil {
			return out, nil
		}

		if matchAny(p.Final, err) || !matchAny(p.Retryable, err) {
			return out, err
		}

		exhausted := func(cause error) (T, error) {
			return out, &ExhaustedError{
				Elapsed:  p.Clock.Since(start),
				Attempts: attempts,
				Timeout:  p.Timeout,
				Wait:     p.Wait,
				Err:      cause,
			}
		}

		if p.Clock.Since(start) >= p.Timeout {
			return exhausted(err)
		}

		p.Logger.V(1).Info("retrying", "attempt", attempts, "wait", p.Wait.String(), "err", err.Error())

		timer := p.Clock.NewTimer(p.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return exhausted(errors.Join(err, ctx.Err()))
		case <-timer.C():
		}
	}
}

// Wrap statically decorates op with the retry policy.
func Wrap[T any](p Policy, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, p, op)
	}
}

func matchAny(kinds []Classifier, err error) bool {
	for _, kind := range kinds {
		if kind(err) {
			return true
		}
	}
	return false
}
