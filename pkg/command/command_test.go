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

package command_test

import (
	"testing"
	"time"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestDecode_NeverFails(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{name: "nil", input: nil, expected: ""},
		{name: "ascii", input: []byte("hello"), expected: "hello"},
		{name: "valid utf8", input: []byte("héllo"), expected: "héllo"},
		{name: "invalid byte", input: []byte{'a', 0xff, 'b'}, expected: "a\uFFFDb"},
		{name: "invalid run", input: []byte{0xff, 0xfe}, expected: "\uFFFD\uFFFD"},
		{name: "truncated rune", input: []byte{'x', 0xe2, 0x82}, expected: "x\uFFFD\uFFFD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, command.Decode(tt.input))
		})
	}
}

func TestResult_IsImmutable(t *testing.T) {
	stdout := []byte("out")
	r := command.NewResult(3, stdout, nil)

	stdout[0] = 'X'
	raw := r.RawStdout()
	raw[1] = 'Y'

	assert.Equal(t, "out", r.Stdout())
	assert.Equal(t, "", r.Stderr())
	assert.Equal(t, 3, r.ExitCode())
	assert.False(t, r.Truncated())
	assert.True(t, command.NewPartialResult(0, nil, nil).Truncated())
}

func TestParseExpectation(t *testing.T) {
	tests := []struct {
		input   string
		matches []int
		rejects []int
		str     string
		wantErr bool
	}{
		{input: "0", matches: []int{0}, rejects: []int{1, 2}, str: "0"},
		{input: "!0", matches: []int{1, 127}, rejects: []int{0}, str: "!0"},
		{input: " ! 2 ", matches: []int{0, 1}, rejects: []int{2}, str: "!2"},
		{input: "*", matches: []int{0, 1, 255}, str: "*"},
		{input: "abc", wantErr: true},
		{input: "!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, err := command.ParseExpectation(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.str, e.String())
			for _, code := range tt.matches {
				assert.True(t, e.Matches(code), "expected %d to match %s", code, e)
			}
			for _, code := range tt.rejects {
				assert.False(t, e.Matches(code), "expected %d not to match %s", code, e)
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "echo hi", command.Snippet("echo hi"))
	long := "echo 0123456789012345678901234567890123456789"
	assert.Equal(t, long[:30]+"...", command.Snippet(long))
}

func TestOptions_WithDefaults(t *testing.T) {
	defaults := command.Options{
		Sudo:     ptr.To(true),
		ShellBin: "/bin/bash",
		Env:      map[string]string{"A": "device", "B": "device"},
		Timeout:  time.Minute,
	}
	call := command.Options{
		Sudo: ptr.To(false),
		Env:  map[string]string{"B": "call", "C": "call"},
	}

	got := call.WithDefaults(defaults)

	assert.False(t, got.UseSudo())
	assert.True(t, got.UseShell())
	assert.Equal(t, "/bin/bash", got.Shellbin())
	assert.Equal(t, time.Minute, got.EffectiveTimeout())
	assert.Equal(t, map[string]string{"A": "device", "B": "call", "C": "call"}, got.Env)
	assert.Equal(t, command.ExitCode(0), got.Expectation())
	assert.True(t, got.ShouldLogOutput())
	// defaults map must be left untouched
	assert.Equal(t, "device", defaults.Env["B"])
}

func TestOptions_NormalizeNewlines(t *testing.T) {
	assert.False(t, command.Options{}.ShouldNormalizeNewlines())
	assert.True(t, command.Options{PTY: true}.ShouldNormalizeNewlines())
	assert.True(t, command.Options{NormalizeNewlines: ptr.To(true)}.ShouldNormalizeNewlines())
	assert.False(t, command.Options{PTY: true, NormalizeNewlines: ptr.To(false)}.ShouldNormalizeNewlines())
}
