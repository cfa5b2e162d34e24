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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrShortHeader indicates the stream ended in the middle of a header.
	ErrShortHeader = errors.New("stream ended mid-header")
	// ErrShortPayload indicates the stream ended before the declared payload
	// length was read.
	ErrShortPayload = errors.New("stream ended mid-payload")
	// ErrReadTimeout indicates reading was abandoned after the read timeout.
	ErrReadTimeout = errors.New("stream read timed out")
)

// Output is what was decoded from a multiplexed stream.
type Output struct {
	Stdout []byte
	Stderr []byte
	// Truncated is true when the stream did not end on a frame boundary, or
	// could not be read to the end.
	Truncated bool
	// Err records why the stream is truncated. It is nil on a clean end.
	Err error
	// Frames counts the complete frames decoded.
	Frames int
}

// Reader decodes a multiplexed stream. It never returns an error: I/O
// failures are reported through Output.Truncated and Output.Err.
type Reader struct {
	src     io.Reader
	timeout time.Duration
	abort   func() error
	raw     bool
	log     logr.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithTimeout bounds the wall-clock time spent reading. When it elapses,
// abort is called and must unblock any pending read on the source, usually
// by closing the underlying connection.
func WithTimeout(timeout time.Duration, abort func() error) Option {
	return func(r *Reader) {
		r.timeout = timeout
		r.abort = abort
	}
}

// WithRaw reads the source as a single unframed stdout stream, as produced
// by an exec attached to a terminal.
func WithRaw() Option {
	return func(r *Reader) { r.raw = true }
}

// WithLogger sets the logger used to record truncation diagnostics.
func WithLogger(log logr.Logger) Option {
	return func(r *Reader) { r.log = log }
}

// NewReader returns a Reader decoding src.
//
// src must be the reader that already holds any bytes read ahead while the
// attach response was parsed. With the docker client this is the
// HijackedResponse.Reader, never a new reader built over the raw connection.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src: src,
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadFrames decodes src until end of stream, truncation or timeout.
func ReadFrames(src io.Reader, timeout time.Duration, abort func() error) Output {
	return NewReader(src, WithTimeout(timeout, abort)).ReadAll()
}

// ReadAll decodes the stream until a clean end, a truncation or the timeout.
func (r *Reader) ReadAll() Output {
	if r.timeout <= 0 {
		return r.decode()
	}

	done := make(chan Output, 1)
	go func() { done <- r.decode() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
	}

	r.log.Info("multiplexed stream read timed out", "timeout", r.timeout.String())
	if r.abort == nil {
		return Output{Truncated: true, Err: ErrReadTimeout}
	}
	if err := r.abort(); err != nil {
		r.log.V(1).Info("error aborting stream read", "err", err.Error())
	}

	out := <-done
	if out.Truncated {
		out.Err = errors.Join(ErrReadTimeout, out.Err)
	}
	return out
}

func (r *Reader) decode() Output {
	if r.raw {
		return r.copyRaw()
	}

	var (
		stdout, stderr bytes.Buffer
		header         [HeaderSize]byte
		out            Output
	)

	finish := func(err error) Output {
		out.Stdout = stdout.Bytes()
		out.Stderr = stderr.Bytes()
		if err != nil {
			out.Truncated = true
			out.Err = err
			r.log.Info("multiplexed stream truncated",
				"err", err.Error(),
				"frames", out.Frames,
				"stdoutBytes", stdout.Len(),
				"stderrBytes", stderr.Len())
		}
		return out
	}

	for {
		n, err := io.ReadFull(r.src, header[:])
		switch {
		case n == 0 && errors.Is(err, io.EOF):
			return finish(nil)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return finish(fmt.Errorf("%w: read %d of %d bytes", ErrShortHeader, n, HeaderSize))
		case err != nil:
			return finish(fmt.Errorf("%w: %w", ErrShortHeader, err))
		}

		size := int64(binary.BigEndian.Uint32(header[4:]))

		var dst io.Writer
		switch StreamType(header[0]) {
		case Stdout:
			dst = &stdout
		case Stderr:
			dst = &stderr
		default:
			r.log.V(1).Info("discarding frame with unknown stream type", "streamType", header[0], "size", size)
			dst = io.Discard
		}

		copied, err := io.CopyN(dst, r.src, size)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return finish(fmt.Errorf("%w: read %d of %d bytes: %w", ErrShortPayload, copied, size, err))
		}
		out.Frames++
	}
}

func (r *Reader) copyRaw() Output {
	var stdout bytes.Buffer
	if _, err := io.Copy(&stdout, r.src); err != nil {
		r.log.Info("raw stream truncated", "err", err.Error(), "stdoutBytes", stdout.Len())
		return Output{Stdout: stdout.Bytes(), Truncated: true, Err: err}
	}
	return Output{Stdout: stdout.Bytes()}
}
