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

// Package ssh dials authenticated SSH connections to devices.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultPort           = "22"
	DefaultConnectTimeout = 10 * time.Second
	DefaultAwaitInterval  = time.Second

	redacted = "<redacted>"
)

var (
	ErrNoAuthMethod   = errors.New("no ssh authentication method configured")
	ErrNoHostKeyCheck = errors.New("no host key verification configured")
	ErrDial           = errors.New("unable to connect")
)

// Config describes how to reach and authenticate against a device.
type Config struct {
	// Host is a hostname, an address or an alias of the ssh_config file.
	Host string
	Port string
	User string

	Password       string
	PrivateKeyPath string
	PrivateKey     []byte
	// UseAgent authenticates with the keys of the agent at $SSH_AUTH_SOCK.
	UseAgent bool

	// KnownHostsPath enables host key verification.
	KnownHostsPath string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// SSHConfigPath overrides the user and system ssh_config files.
	SSHConfigPath string

	ConnectTimeout time.Duration
	// AwaitTimeout retries the connection until it succeeds or AwaitTimeout
	// elapses, e.g. while the device boots. Zero dials once.
	AwaitTimeout time.Duration
}

// Redacted returns a copy of c safe to log.
func (c Config) Redacted() Config {
	out := c
	if out.Password != "" {
		out.Password = redacted
	}
	if len(out.PrivateKey) > 0 {
		out.PrivateKey = []byte(redacted)
	}
	return out
}

// Address returns the host:port to dial.
func (c Config) Address() string {
	port := c.Port
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, port)
}

// Resolve fills unset fields from the ssh_config files, treating Host as an
// alias.
func (c Config) Resolve() (Config, error) {
	get, err := c.lookup()
	if err != nil {
		return Config{}, err
	}

	out := c
	if v := get("HostName"); v != "" {
		out.Host = v
	}
	if out.Port == "" {
		out.Port = get("Port")
	}
	if out.User == "" {
		out.User = get("User")
	}
	if out.PrivateKeyPath == "" && len(out.PrivateKey) == 0 && out.Password == "" && !out.UseAgent {
		if path := expandHome(get("IdentityFile")); path != "" {
			if _, err := os.Stat(path); err == nil {
				out.PrivateKeyPath = path
			}
		}
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	return out, nil
}

func (c Config) lookup() (func(key string) string, error) {
	if c.SSHConfigPath == "" {
		return func(key string) string { return ssh_config.Get(c.Host, key) }, nil
	}

	f, err := os.Open(c.SSHConfigPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open ssh config: %w", err)
	}
	defer runFuncAndLogErr(logr.Discard(), f.Close)

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unable to parse ssh config %s: %w", c.SSHConfigPath, err)
	}
	return func(key string) string {
		v, _ := cfg.Get(c.Host, key)
		return v
	}, nil
}

// ClientConfig builds the x/crypto client configuration. The returned
// closer releases the agent connection, if any.
func (c Config) ClientConfig() (*ssh.ClientConfig, func() error, error) {
	closer := func() error { return nil }

	var auth []ssh.AuthMethod

	key := c.PrivateKey
	if len(key) == 0 && c.PrivateKeyPath != "" {
		b, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to read private key: %w", err)
		}
		key = b
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to reach ssh agent at %q: %w", sock, err)
		}
		closer = conn.Close
		auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	if len(auth) == 0 {
		_ = closer()
		return nil, nil, ErrNoAuthMethod
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.KnownHostsPath != "":
		cb, err := knownhosts.New(expandHome(c.KnownHostsPath))
		if err != nil {
			_ = closer()
			return nil, nil, fmt.Errorf("unable to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	case c.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	default:
		_ = closer()
		return nil, nil, ErrNoHostKeyCheck
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, closer, nil
}

// Dial opens an authenticated connection to the device described by cfg.
func Dial(ctx context.Context, cfg Config, log logr.Logger) (*ssh.Client, error) {
	clientConfig, closeAgent, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	defer runFuncAndLogErr(log, closeAgent)

	addr := cfg.Address()
	log.V(1).Info("dialing ssh", "addr", addr, "user", cfg.User, "config", cfg.Redacted())

	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w to %s: %w", ErrDial, addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		runFuncAndLogErr(log, conn.Close)
		return nil, fmt.Errorf("%w to %s: %w", ErrDial, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// AwaitServer polls the device until an ssh connection succeeds or timeout
// elapses, and returns that connection.
func AwaitServer(ctx context.Context, cfg Config, interval, timeout time.Duration, log logr.Logger) (*ssh.Client, error) {
	addr := cfg.Address()

	var client *ssh.Client
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		c, err := Dial(ctx, cfg, log)
		if err != nil {
			if errors.Is(err, ErrNoAuthMethod) || errors.Is(err, ErrNoHostKeyCheck) {
				return false, err
			}
			log.V(1).Info("ssh server not available yet", "addr", addr, "err", err.Error())
			return false, nil
		}

		client = c
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("timed out waiting for SSH server at %s: %w", addr, err)
	}
	return client, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func runFuncAndLogErr(log logr.Logger, f func() error) {
	if err := f(); err != nil {
		log.V(1).Info("error closing ssh session or connection", "err", err.Error())
	}
}
