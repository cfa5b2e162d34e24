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

// Package muxstream decodes the multiplexed stdout/stderr stream produced by
// a container runtime's exec attach.
//
// The wire format is a sequence of frames, each made of an 8 byte header
// followed by a payload:
//
//	[1 byte stream type][3 bytes reserved][4 bytes big-endian payload length][payload]
//
// Stream type 1 is stdout and 2 is stderr. The stream ends when the channel
// is closed.
package muxstream

import (
	"encoding/binary"
	"io"
)

// StreamType identifies the stream a frame belongs to.
type StreamType byte

const (
	Stdin  StreamType = 0
	Stdout StreamType = 1
	Stderr StreamType = 2
)

// HeaderSize is the size of a frame header in bytes.
const HeaderSize = 8

// Frame is one unit of the multiplexed stream.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var header [HeaderSize]byte
	header[0] = byte(f.Stream)
	binary.BigEndian.PutUint32(header[4:], uint32(len(f.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, f.Payload...)
}

// Encode returns the wire encoding of frames.
func Encode(frames ...Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = AppendFrame(out, f)
	}
	return out
}

// WriteFrame writes a single encoded frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(nil, f))
	return err
}
