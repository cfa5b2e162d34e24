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

package transport_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/transport"
)

func TestLocal_Execute(t *testing.T) {
	local := transport.NewLocal(logr.Discard())
	ctx := context.Background()

	for _, tc := range []struct {
		name     string
		cmd      string
		opts     command.Options
		exitCode int
		stdout   string
		stderr   string
	}{
		{name: "true", cmd: "true", exitCode: 0},
		{name: "false", cmd: "false", exitCode: 1},
		{name: "exit code", cmd: "exit 42", exitCode: 42},
		{
			name:     "separate streams",
			cmd:      "echo out; echo err >&2",
			exitCode: 0,
			stdout:   "out\n",
			stderr:   "err\n",
		},
		{
			name:   "environment",
			cmd:    `printf '%s' "$GREETING"`,
			opts:   command.Options{Env: map[string]string{"GREETING": "hello world"}},
			stdout: "hello world",
		},
		{
			name:   "without shell",
			cmd:    `printf '%s-%s' 'a b' c`,
			opts:   command.Options{Shell: ptr.To(false)},
			stdout: "a b-c",
		},
		{
			name:   "stdin",
			cmd:    "cat",
			opts:   command.Options{Stdin: strings.NewReader("piped")},
			stdout: "piped",
		},
		{
			name:   "work dir",
			cmd:    "pwd",
			opts:   command.Options{WorkDir: "/"},
			stdout: "/\n",
		},
		{
			name:   "normalized newlines",
			cmd:    `printf 'a\r\nb\r\n'`,
			opts:   command.Options{NormalizeNewlines: ptr.To(true)},
			stdout: "a\nb\n",
		},
		{
			name:   "raw newlines",
			cmd:    `printf 'a\r\n'`,
			stdout: "a\r\n",
		},
		{name: "killed by signal", cmd: "kill -9 $$", exitCode: 137},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := local.Execute(ctx, tc.cmd, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.exitCode, res.ExitCode())
			assert.Equal(t, tc.stdout, res.Stdout())
			assert.Equal(t, tc.stderr, res.Stderr())
			assert.False(t, res.Truncated())
		})
	}
}

func TestLocal_Execute_Errors(t *testing.T) {
	local := transport.NewLocal(logr.Discard())

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		res, err := local.Execute(context.Background(), "sleep 10", command.Options{Timeout: 100 * time.Millisecond})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, command.ErrCommandTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("missing executable", func(t *testing.T) {
		res, err := local.Execute(context.Background(), "/nonexistent/binary", command.Options{Shell: ptr.To(false)})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, command.ErrTransport)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := local.Execute(ctx, "true", command.Options{})
		assert.ErrorIs(t, err, command.ErrTransport)
		assert.NotErrorIs(t, err, command.ErrCommandTimeout)
	})

	t.Run("empty command without shell", func(t *testing.T) {
		_, err := local.Execute(context.Background(), "  ", command.Options{Shell: ptr.To(false)})
		assert.Error(t, err)
	})
}

func TestLocal_Kind(t *testing.T) {
	local := transport.NewLocal(logr.Discard())
	assert.Equal(t, transport.KindLocal, local.Kind())
	assert.NoError(t, local.Close())
}
