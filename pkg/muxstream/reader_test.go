//go:build unit

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

package muxstream_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/devicetest/pkg/muxstream"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAll_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		var (
			frames         []muxstream.Frame
			stdout, stderr []byte
		)
		for j := rng.Intn(10); j > 0; j-- {
			payload := make([]byte, rng.Intn(64))
			_, _ = rng.Read(payload)

			stream := muxstream.Stdout
			if rng.Intn(2) == 0 {
				stream = muxstream.Stderr
			}
			if stream == muxstream.Stdout {
				stdout = append(stdout, payload...)
			} else {
				stderr = append(stderr, payload...)
			}
			frames = append(frames, muxstream.Frame{Stream: stream, Payload: payload})
		}

		out := muxstream.NewReader(bytes.NewReader(muxstream.Encode(frames...))).ReadAll()

		require.False(t, out.Truncated)
		require.NoError(t, out.Err)
		assert.Equal(t, len(frames), out.Frames)
		assert.Equal(t, string(stdout), string(out.Stdout))
		assert.Equal(t, string(stderr), string(out.Stderr))
	}
}

func TestReadAll_Truncation(t *testing.T) {
	complete := muxstream.Encode(
		muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("hello ")},
		muxstream.Frame{Stream: muxstream.Stderr, Payload: []byte("oops")},
	)
	next := muxstream.Encode(muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("world")})

	tests := []struct {
		name           string
		input          []byte
		expectedStdout string
		expectedStderr string
		expectedErr    error
	}{
		{
			name:           "cut after 5 header bytes",
			input:          append(append([]byte{}, complete...), next[:5]...),
			expectedStdout: "hello ",
			expectedStderr: "oops",
			expectedErr:    muxstream.ErrShortHeader,
		},
		{
			name:           "cut mid payload keeps partial payload",
			input:          append(append([]byte{}, complete...), next[:muxstream.HeaderSize+3]...),
			expectedStdout: "hello wor",
			expectedStderr: "oops",
			expectedErr:    muxstream.ErrShortPayload,
		},
		{
			name:           "cut right after header",
			input:          append(append([]byte{}, complete...), next[:muxstream.HeaderSize]...),
			expectedStdout: "hello ",
			expectedStderr: "oops",
			expectedErr:    muxstream.ErrShortPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := muxstream.NewReader(bytes.NewReader(tt.input)).ReadAll()

			assert.True(t, out.Truncated)
			assert.ErrorIs(t, out.Err, tt.expectedErr)
			assert.Equal(t, 2, out.Frames)
			assert.Equal(t, tt.expectedStdout, string(out.Stdout))
			assert.Equal(t, tt.expectedStderr, string(out.Stderr))
		})
	}
}

func TestReadAll_EmptyStream(t *testing.T) {
	out := muxstream.NewReader(bytes.NewReader(nil)).ReadAll()

	assert.False(t, out.Truncated)
	assert.NoError(t, out.Err)
	assert.Empty(t, out.Stdout)
	assert.Empty(t, out.Stderr)
}

func TestReadAll_UnknownStreamTypeIsDiscarded(t *testing.T) {
	input := muxstream.Encode(
		muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("a")},
		muxstream.Frame{Stream: muxstream.StreamType(7), Payload: []byte("ignored")},
		muxstream.Frame{Stream: muxstream.Stdin, Payload: []byte("ignored")},
		muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("b")},
	)

	out := muxstream.NewReader(bytes.NewReader(input)).ReadAll()

	assert.False(t, out.Truncated)
	assert.Equal(t, "ab", string(out.Stdout))
	assert.Empty(t, out.Stderr)
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadAll_IOErrorIsNotRaised(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(
		bytes.NewReader(muxstream.Encode(muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("partial")})),
		failingReader{err: boom},
	)

	out := muxstream.NewReader(src).ReadAll()

	assert.True(t, out.Truncated)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "partial", string(out.Stdout))
}

func TestReadAll_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_ = muxstream.WriteFrame(pw, muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("before stall")})
		// never closes: the remote is stalled
	}()

	start := time.Now()
	out := muxstream.ReadFrames(pr, 50*time.Millisecond, pr.Close)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, out.Truncated)
	assert.ErrorIs(t, out.Err, muxstream.ErrReadTimeout)
	assert.Equal(t, "before stall", string(out.Stdout))
	_ = pw.Close()
}

// An HTTP upgrade parser reads the connection in chunks, so the frames of a
// short-lived command are usually already sitting in its buffer once the
// response headers are parsed.
func TestReadAll_ConsumesReadAheadBuffer(t *testing.T) {
	frames := muxstream.Encode(
		muxstream.Frame{Stream: muxstream.Stdout, Payload: []byte("fast output\n")},
		muxstream.Frame{Stream: muxstream.Stderr, Payload: []byte("fast error\n")},
	)
	upgrade := "HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: tcp\r\n\r\n"

	conn := bytes.NewReader(append([]byte(upgrade), frames...))
	br := bufio.NewReader(conn)

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The raw connection has been fully drained into br.
	require.Zero(t, conn.Len())
	raw := muxstream.NewReader(conn).ReadAll()
	assert.Empty(t, raw.Stdout, "a fresh reader over the raw connection sees nothing")

	out := muxstream.NewReader(br).ReadAll()
	assert.False(t, out.Truncated)
	assert.Equal(t, "fast output\n", string(out.Stdout))
	assert.Equal(t, "fast error\n", string(out.Stderr))
}

func TestChannel_CloseOrderAndOnce(t *testing.T) {
	var calls []string
	outerErr := errors.New("flush after close")

	ch := muxstream.Attach(
		bufio.NewReader(strings.NewReader("")),
		func() error { calls = append(calls, "outer"); return outerErr },
		func() error { calls = append(calls, "inner"); return nil },
		logr.Discard(),
	)

	out := ch.ReadFrames(time.Second)
	assert.False(t, out.Truncated)

	ch.Close()
	ch.Close()

	assert.Equal(t, []string{"outer", "inner"}, calls)
}

func TestChannel_TimeoutClosesConnectionOnce(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	var innerCalls int
	ch := muxstream.Attach(
		bufio.NewReader(pr),
		nil,
		func() error { innerCalls++; return pr.Close() },
		logr.Discard(),
	)

	out := ch.ReadFrames(20 * time.Millisecond)
	ch.Close()

	assert.True(t, out.Truncated)
	assert.ErrorIs(t, out.Err, muxstream.ErrReadTimeout)
	assert.Equal(t, 1, innerCalls)
}

func TestChannel_TimeoutReleasesStreamBeforeConnection(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	var calls []string
	ch := muxstream.Attach(
		bufio.NewReader(pr),
		func() error { calls = append(calls, "stream"); return nil },
		func() error { calls = append(calls, "connection"); return pr.Close() },
		logr.Discard(),
	)

	out := ch.ReadFrames(20 * time.Millisecond)
	ch.Close()

	assert.True(t, out.Truncated)
	assert.ErrorIs(t, out.Err, muxstream.ErrReadTimeout)
	assert.Equal(t, []string{"stream", "connection"}, calls)
}

func TestChannel_ReadRaw(t *testing.T) {
	payload := "line 1\r\nline 2\r\n"
	ch := muxstream.Attach(bufio.NewReader(strings.NewReader(payload)), nil, nil, logr.Discard())
	defer ch.Close()

	out := ch.ReadRaw(time.Second)
	assert.False(t, out.Truncated)
	assert.NoError(t, out.Err)
	assert.Equal(t, payload, string(out.Stdout))
	assert.Empty(t, out.Stderr)
}
