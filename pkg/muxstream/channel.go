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

package muxstream

import (
	"bufio"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Channel is an attached exec stream: the buffered reader produced while
// parsing the attach response, the protocol wrapper around the connection,
// and the connection itself.
//
// Close releases the wrapper first and the connection second. Each step runs
// at most once and close errors are logged, never returned.
type Channel struct {
	reader *bufio.Reader
	outer  step
	inner  step
	log    logr.Logger
}

type step struct {
	name string
	once *sync.Once
	fn   func() error
}

// Attach wraps an existing buffered reader. closeOuter shuts the protocol
// wrapper down (e.g. half-closes the write side) and closeInner closes the
// transport primitive. Either may be nil.
func Attach(reader *bufio.Reader, closeOuter, closeInner func() error, log logr.Logger) *Channel {
	return &Channel{
		reader: reader,
		outer:  step{name: "stream", once: &sync.Once{}, fn: closeOuter},
		inner:  step{name: "connection", once: &sync.Once{}, fn: closeInner},
		log:    log,
	}
}

// ReadFrames decodes the channel. On timeout the channel is closed to
// unblock the pending read.
func (c *Channel) ReadFrames(timeout time.Duration) Output {
	return c.read(timeout)
}

// ReadRaw reads the channel as one unframed stream, returned as stdout.
func (c *Channel) ReadRaw(timeout time.Duration) Output {
	return c.read(timeout, WithRaw())
}

func (c *Channel) read(timeout time.Duration, opts ...Option) Output {
	opts = append(opts,
		WithTimeout(timeout, func() error {
			c.Close()
			return nil
		}),
		WithLogger(c.log),
	)
	return NewReader(c.reader, opts...).ReadAll()
}

// Close releases the channel. It is safe to call more than once.
func (c *Channel) Close() {
	c.run(c.outer)
	c.run(c.inner)
}

func (c *Channel) run(s step) {
	s.once.Do(func() {
		if s.fn == nil {
			return
		}
		if err := s.fn(); err != nil {
			c.log.V(1).Info("error closing exec "+s.name, "err", err.Error())
		}
	})
}
