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

// Package config loads device configuration files.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	sshutil "github.com/alexandremahdhaoui/devicetest/internal/util/ssh"
	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/retry"
	"github.com/alexandremahdhaoui/devicetest/pkg/transport"
)

// ConfigPathEnvKey names the environment variable holding the default
// config file path.
const ConfigPathEnvKey = "DEVICETEST_CONFIG_PATH"

var (
	ErrConfigPathUnset = fmt.Errorf("environment variable %q must be set", ConfigPathEnvKey)
	ErrUnknownAdapter  = errors.New("unknown adapter")
	ErrMissingSection  = errors.New("missing adapter section")
	ErrMissingField    = errors.New("missing required field")
)

// Config describes one device and how to reach it.
type Config struct {
	// ID identifies the device, e.g. a container id or a hostname.
	ID string `json:"id"`
	// Name is the display name. Defaults to ID.
	Name string `json:"name,omitempty"`
	// Adapter selects the transport.
	Adapter transport.Kind `json:"adapter"`

	// UseSudo elevates commands by default. Defaults to true.
	UseSudo *bool `json:"useSudo,omitempty"`
	// ShouldCleanup releases the device on cleanup.
	ShouldCleanup bool `json:"shouldCleanup,omitempty"`
	// Shell is the shell binary wrapping commands. Defaults to /bin/sh.
	Shell string `json:"shell,omitempty"`
	// Timeout is the default command timeout.
	Timeout metav1.Duration `json:"timeout,omitempty"`

	// Env is the device environment. It overrides EnvFile.
	Env map[string]string `json:"env,omitempty"`
	// EnvFile is a dotenv file, relative to the config file.
	EnvFile string `json:"envFile,omitempty"`

	SSH        *SSH        `json:"ssh,omitempty"`
	Docker     *Docker     `json:"docker,omitempty"`
	Kubernetes *Kubernetes `json:"kubernetes,omitempty"`

	Retry   Retry   `json:"retry,omitempty"`
	Metrics Metrics `json:"metrics,omitempty"`
}

// SSH configures the ssh adapter.
type SSH struct {
	Host string `json:"host"`
	Port string `json:"port,omitempty"`
	User string `json:"user,omitempty"`

	// PasswordEnv names the variable, from the env file or the process
	// environment, holding the password.
	PasswordEnv    string `json:"passwordEnv,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty"`
	UseAgent       bool   `json:"useAgent,omitempty"`

	KnownHostsPath        string `json:"knownHostsPath,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecureIgnoreHostKey,omitempty"`
	SSHConfigPath         string `json:"sshConfigPath,omitempty"`

	ConnectTimeout metav1.Duration `json:"connectTimeout,omitempty"`
	// AwaitTimeout keeps retrying the connection, e.g. while the device boots.
	AwaitTimeout metav1.Duration `json:"awaitTimeout,omitempty"`
}

// Docker configures the docker adapter. The daemon is reached through the
// DOCKER_* environment variables.
type Docker struct {
	// ContainerID defaults to the device ID.
	ContainerID string `json:"containerID,omitempty"`
	// StrictTruncation fails commands whose output was cut short.
	StrictTruncation bool `json:"strictTruncation,omitempty"`
}

// Kubernetes configures the kubernetes adapter.
type Kubernetes struct {
	// KubeconfigPath may be "in-cluster". Empty uses the default loading
	// rules.
	KubeconfigPath string `json:"kubeconfigPath,omitempty"`

	transport.PodTarget
}

// Retry configures assertion retries.
type Retry struct {
	Wait    metav1.Duration `json:"wait,omitempty"`
	Timeout metav1.Duration `json:"timeout,omitempty"`
}

// Metrics configures the metrics server of the CLI.
type Metrics struct {
	// Addr disables the server when empty.
	Addr string `json:"addr,omitempty"`
	Path string `json:"path,omitempty"`
}

// LoadFromEnv loads the file named by ConfigPathEnvKey.
func LoadFromEnv() (*Config, error) {
	configPath := os.Getenv(ConfigPathEnvKey)
	if configPath == "" {
		return nil, ErrConfigPathUnset
	}
	return Load(configPath)
}

// Load reads, validates and resolves the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.EnvFile != "" && !filepath.IsAbs(cfg.EnvFile) {
		cfg.EnvFile = filepath.Join(filepath.Dir(path), cfg.EnvFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.loadEnvFile(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the adapter has its section and required fields.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}

	switch c.Adapter {
	case transport.KindLocal:
	case transport.KindSSH:
		if c.SSH == nil {
			return fmt.Errorf("%w: ssh", ErrMissingSection)
		}
		if c.SSH.Host == "" {
			return fmt.Errorf("%w: ssh.host", ErrMissingField)
		}
	case transport.KindDocker:
		// Every field has a default.
	case transport.KindKubernetes:
		if c.Kubernetes == nil {
			return fmt.Errorf("%w: kubernetes", ErrMissingSection)
		}
		if c.Kubernetes.Namespace == "" || c.Kubernetes.Pod == "" {
			return fmt.Errorf("%w: kubernetes.namespace and kubernetes.pod", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAdapter, c.Adapter)
	}
	return nil
}

func (c *Config) loadEnvFile() error {
	if c.EnvFile == "" {
		return nil
	}

	fromFile, err := godotenv.Read(c.EnvFile)
	if err != nil {
		return fmt.Errorf("reading env file: %w", err)
	}

	env := make(map[string]string, len(fromFile)+len(c.Env))
	maps.Copy(env, fromFile)
	maps.Copy(env, c.Env)
	c.Env = env
	return nil
}

// DisplayName returns Name, or ID when unset.
func (c *Config) DisplayName() string {
	if c.Name == "" {
		return c.ID
	}
	return c.Name
}

// CommandDefaults returns the per-device execution defaults.
func (c *Config) CommandDefaults() command.Options {
	return command.Options{
		Sudo:     ptr.To(ptr.Deref(c.UseSudo, true)),
		ShellBin: c.Shell,
		Timeout:  c.Timeout.Duration,
		Env:      maps.Clone(c.Env),
	}
}

// SSHConfig returns the connection settings of the ssh adapter.
func (c *Config) SSHConfig() sshutil.Config {
	if c.SSH == nil {
		return sshutil.Config{}
	}

	password := ""
	if name := c.SSH.PasswordEnv; name != "" {
		if v, ok := c.Env[name]; ok {
			password = v
		} else {
			password = os.Getenv(name)
		}
	}

	return sshutil.Config{
		Host:                  c.SSH.Host,
		Port:                  c.SSH.Port,
		User:                  c.SSH.User,
		Password:              password,
		PrivateKeyPath:        c.SSH.PrivateKeyPath,
		UseAgent:              c.SSH.UseAgent,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		SSHConfigPath:         c.SSH.SSHConfigPath,
		ConnectTimeout:        c.SSH.ConnectTimeout.Duration,
		AwaitTimeout:          c.SSH.AwaitTimeout.Duration,
	}
}

// ContainerID returns the container of the docker adapter.
func (c *Config) ContainerID() string {
	if c.Docker != nil && c.Docker.ContainerID != "" {
		return c.Docker.ContainerID
	}
	return c.ID
}

// RetryPolicy returns the default retry policy with the configured wait
// and timeout.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Wait:    c.Retry.Wait.Duration,
		Timeout: c.Retry.Timeout.Duration,
	}
}

// Duration is a helper for building durations in configs from code.
func Duration(d time.Duration) metav1.Duration {
	return metav1.Duration{Duration: d}
}
