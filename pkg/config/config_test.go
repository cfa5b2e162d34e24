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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/config"
	"github.com/alexandremahdhaoui/devicetest/pkg/transport"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_SSH(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "device.env", "SSH_PASSWORD=s3cret\nREGION=eu\nMODE=file\n")
	path := writeFile(t, dir, "device.yaml", `
id: gateway-01
adapter: ssh
useSudo: false
shell: /bin/bash
timeout: 45s
envFile: device.env
env:
  MODE: config
ssh:
  host: 10.0.0.5
  port: "2222"
  user: admin
  passwordEnv: SSH_PASSWORD
  insecureIgnoreHostKey: true
  connectTimeout: 3s
  awaitTimeout: 2m
retry:
  wait: 500ms
  timeout: 1m
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gateway-01", cfg.DisplayName())
	assert.Equal(t, transport.KindSSH, cfg.Adapter)
	assert.Equal(t, map[string]string{"SSH_PASSWORD": "s3cret", "REGION": "eu", "MODE": "config"}, cfg.Env)

	defaults := cfg.CommandDefaults()
	assert.False(t, defaults.UseSudo())
	assert.Equal(t, "/bin/bash", defaults.Shellbin())
	assert.Equal(t, 45*time.Second, defaults.EffectiveTimeout())

	ssh := cfg.SSHConfig()
	assert.Equal(t, "10.0.0.5", ssh.Host)
	assert.Equal(t, "2222", ssh.Port)
	assert.Equal(t, "admin", ssh.User)
	assert.Equal(t, "s3cret", ssh.Password)
	assert.True(t, ssh.InsecureIgnoreHostKey)
	assert.Equal(t, 3*time.Second, ssh.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, ssh.AwaitTimeout)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 500*time.Millisecond, policy.Wait)
	assert.Equal(t, time.Minute, policy.Timeout)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "device.yaml", "id: abc123\nname: sensor\nadapter: docker\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sensor", cfg.DisplayName())
	assert.Equal(t, "abc123", cfg.ContainerID())

	defaults := cfg.CommandDefaults()
	assert.True(t, defaults.UseSudo())
	assert.Equal(t, command.DefaultShellBin, defaults.Shellbin())
	assert.Equal(t, command.DefaultTimeout, defaults.EffectiveTimeout())
}

func TestLoad_Kubernetes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "device.yaml", `
id: pod-device
adapter: kubernetes
kubernetes:
  kubeconfigPath: in-cluster
  namespace: devices
  pod: device-0
  container: main
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "in-cluster", cfg.Kubernetes.KubeconfigPath)
	assert.Equal(t, transport.PodTarget{Namespace: "devices", Pod: "device-0", Container: "main"}, cfg.Kubernetes.PodTarget)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	for _, tc := range []struct {
		name    string
		content string
		err     error
	}{
		{name: "unknown adapter", content: "id: x\nadapter: serial\n", err: config.ErrUnknownAdapter},
		{name: "missing id", content: "adapter: local\n", err: config.ErrMissingField},
		{name: "missing ssh section", content: "id: x\nadapter: ssh\n", err: config.ErrMissingSection},
		{name: "missing ssh host", content: "id: x\nadapter: ssh\nssh:\n  user: root\n", err: config.ErrMissingField},
		{name: "missing pod", content: "id: x\nadapter: kubernetes\nkubernetes:\n  namespace: ns\n", err: config.ErrMissingField},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, dir, "device.yaml", tc.content))
			assert.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("unknown field", func(t *testing.T) {
		_, err := config.Load(writeFile(t, dir, "device.yaml", "id: x\nadapter: local\nbogus: 1\n"))
		assert.Error(t, err)
	})

	t.Run("missing env file", func(t *testing.T) {
		_, err := config.Load(writeFile(t, dir, "device.yaml", "id: x\nadapter: local\nenvFile: nope.env\n"))
		assert.ErrorContains(t, err, "reading env file")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(dir, "absent.yaml"))
		assert.ErrorContains(t, err, "reading config file")
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(config.ConfigPathEnvKey, "")
	_, err := config.LoadFromEnv()
	assert.ErrorIs(t, err, config.ErrConfigPathUnset)

	path := writeFile(t, t.TempDir(), "device.yaml", "id: local\nadapter: local\n")
	t.Setenv(config.ConfigPathEnvKey, path)
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, transport.KindLocal, cfg.Adapter)
}

func TestSSHConfig_PasswordFromProcessEnv(t *testing.T) {
	t.Setenv("DEVICE_PW", "from-env")
	cfg := &config.Config{ID: "x", Adapter: transport.KindSSH, SSH: &config.SSH{Host: "h", PasswordEnv: "DEVICE_PW"}}
	assert.Equal(t, "from-env", cfg.SSHConfig().Password)
}
