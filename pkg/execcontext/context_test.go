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

package execcontext_test

import (
	"os/exec"
	"testing"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestFromOptions(t *testing.T) {
	tests := []struct {
		name            string
		opts            command.Options
		caps            execcontext.Capabilities
		expectedPrepend []string
		expectedEnvs    map[string]string
	}{
		{
			name:            "nothing to prepend",
			opts:            command.Options{},
			expectedPrepend: []string{},
			expectedEnvs:    map[string]string{},
		},
		{
			name:            "sudo",
			opts:            command.Options{Sudo: ptr.To(true)},
			expectedPrepend: []string{"sudo", "-E"},
			expectedEnvs:    map[string]string{},
		},
		{
			name:            "user takes precedence over sudo",
			opts:            command.Options{Sudo: ptr.To(true), User: "tedge"},
			expectedPrepend: []string{"sudo", "-E", "-u", "tedge"},
			expectedEnvs:    map[string]string{},
		},
		{
			name:            "native user",
			opts:            command.Options{User: "tedge"},
			caps:            execcontext.Capabilities{NativeUser: true},
			expectedPrepend: []string{},
			expectedEnvs:    map[string]string{},
		},
		{
			name:            "inline env after elevation, sorted",
			opts:            command.Options{Sudo: ptr.To(true), Env: map[string]string{"B": "2", "A": "1"}},
			expectedPrepend: []string{"sudo", "-E", "env", "A=1", "B=2"},
			expectedEnvs:    map[string]string{},
		},
		{
			name:            "native env",
			opts:            command.Options{Env: map[string]string{"A": "1"}},
			caps:            execcontext.Capabilities{NativeEnv: true},
			expectedPrepend: []string{},
			expectedEnvs:    map[string]string{"A": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := execcontext.FromOptions(tt.opts, tt.caps)
			assert.Equal(t, tt.expectedPrepend, ctx.PrependCmd())
			assert.Equal(t, tt.expectedEnvs, ctx.Envs())
		})
	}
}

func TestArgv(t *testing.T) {
	argv, err := execcontext.Argv(command.Options{}, "echo $HOME && ls")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo $HOME && ls"}, argv)

	argv, err = execcontext.Argv(command.Options{ShellBin: "/bin/bash"}, "true")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/bash", "-c", "true"}, argv)

	argv, err = execcontext.Argv(command.Options{Shell: ptr.To(false)}, `ls -l "/tmp/a dir"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-l", "/tmp/a dir"}, argv)

	_, err = execcontext.Argv(command.Options{Shell: ptr.To(false)}, "   ")
	assert.Error(t, err)
}

func TestFormatCmd(t *testing.T) {
	ctx := execcontext.New(map[string]string{"FOO": "a b"}, []string{"sudo", "-E"})

	got := execcontext.FormatCmd(ctx, "/bin/sh", "-c", "echo 'hi' && exit 3")

	assert.Equal(t, `FOO='a b' sudo -E /bin/sh -c 'echo '"'"'hi'"'"' && exit 3'`, got)
}

func TestFormatCmd_Unquottable(t *testing.T) {
	ctx := execcontext.New(nil, nil)

	got := execcontext.FormatCmd(ctx, "true", "&&", "echo", "ok")

	assert.Equal(t, "true && echo ok", got)
}

func TestApplyToCmd(t *testing.T) {
	ctx := execcontext.New(map[string]string{"DEVICE_ID": "device-01"}, []string{"env"})
	cmd := exec.Command("sh", "-c", "true")

	execcontext.ApplyToCmd(ctx, cmd)

	assert.Equal(t, []string{"env", "sh", "-c", "true"}, cmd.Args)
	assert.Contains(t, cmd.Env, "DEVICE_ID=device-01")
	assert.Greater(t, len(cmd.Env), 1, "process environment is kept")
}
