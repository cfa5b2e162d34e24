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

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	sshutil "github.com/alexandremahdhaoui/devicetest/internal/util/ssh"
	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/execcontext"
)

// DefaultKillGrace bounds how long a killed remote command is waited for.
const DefaultKillGrace = 2 * time.Second

var (
	_ Transport = &SSH{}
	_ Addresser = &SSH{}
)

// SSH runs commands in sessions of one persistent SSH connection.
type SSH struct {
	KillGrace time.Duration

	host   string
	client *ssh.Client
	once   sync.Once
	log    logr.Logger
}

// DialSSH resolves cfg against the ssh_config files and connects. With an
// AwaitTimeout, the connection is retried until the device accepts it.
func DialSSH(ctx context.Context, cfg sshutil.Config, log logr.Logger) (*SSH, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, transportError("resolving ssh config", err)
	}

	var client *ssh.Client
	if resolved.AwaitTimeout > 0 {
		client, err = sshutil.AwaitServer(ctx, resolved, sshutil.DefaultAwaitInterval, resolved.AwaitTimeout, log)
	} else {
		client, err = sshutil.Dial(ctx, resolved, log)
	}
	if err != nil {
		return nil, transportError("dialing "+resolved.Address(), err)
	}

	return NewSSH(client, resolved.Host, log), nil
}

// NewSSH wraps an established connection. host is reported as the device
// address.
func NewSSH(client *ssh.Client, host string, log logr.Logger) *SSH {
	return &SSH{
		KillGrace: DefaultKillGrace,
		host:      host,
		client:    client,
		log:       log,
	}
}

func (s *SSH) Kind() Kind { return KindSSH }

func (s *SSH) Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	line, err := s.commandLine(cmd, opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.EffectiveTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Opening the session and starting the command are bounded by the same
	// timeout as the command itself.
	startCh := make(chan startedSession, 1)
	go func() { startCh <- s.start(line, opts) }()

	var st startedSession
	select {
	case st = <-startCh:
	case <-timer.C:
		go s.reclaim(startCh)
		return nil, timeoutError(cmd, timeout)
	case <-ctx.Done():
		go s.reclaim(startCh)
		return nil, transportError("starting remote command", ctx.Err())
	}
	if st.err != nil {
		return nil, st.err
	}

	session := st.session
	defer runFuncAndLogErr(s.log, "ssh session", func() error {
		if err := session.Close(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})

	var (
		stdout, stderr bytes.Buffer
		drained        sync.WaitGroup
		waitErr        error
		done           = make(chan struct{})
	)

	drained.Add(2)
	go drain(&drained, &stdout, st.stdout)
	go drain(&drained, &stderr, st.stderr)

	go func() {
		defer close(done)
		// The exit status is only read once both streams are drained.
		drained.Wait()
		waitErr = session.Wait()
	}()

	select {
	case <-done:
	case <-timer.C:
		s.abandon(session, done)
		return nil, timeoutError(cmd, timeout)
	case <-ctx.Done():
		s.abandon(session, done)
		return nil, transportError("running remote command", ctx.Err())
	}

	exitCode := 0
	var (
		exitErr    *ssh.ExitError
		missingErr *ssh.ExitMissingError
	)
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitStatus()
	case errors.As(waitErr, &missingErr):
		return nil, fmt.Errorf("%w: remote command ended without exit status: %w", command.ErrStreamTruncated, waitErr)
	default:
		return nil, transportError("waiting for remote command", waitErr)
	}

	return command.NewResult(
		exitCode,
		normalizeNewlines(opts, stdout.Bytes()),
		normalizeNewlines(opts, stderr.Bytes()),
	), nil
}

// IPAddress implements Addresser.
func (s *SSH) IPAddress(context.Context) (string, error) { return s.host, nil }

// Close implements Transport.
func (s *SSH) Close() error {
	var err error
	s.once.Do(func() { err = s.client.Close() })
	return err
}

func (s *SSH) commandLine(cmd string, opts command.Options) (string, error) {
	argv, err := execcontext.Argv(opts, cmd)
	if err != nil {
		return "", err
	}

	line := execcontext.FormatCmd(execcontext.FromOptions(opts, execcontext.Capabilities{}), argv...)
	if opts.WorkDir != "" {
		line = "cd " + shellescape.Quote(opts.WorkDir) + " && " + line
	}
	return line, nil
}

type startedSession struct {
	session        *ssh.Session
	stdout, stderr io.Reader
	err            error
}

// start opens a session and starts line on it. The session is closed when
// it fails.
func (s *SSH) start(line string, opts command.Options) startedSession {
	session, err := s.client.NewSession()
	if err != nil {
		return startedSession{err: transportError("opening ssh session", err)}
	}

	fail := func(action string, err error) startedSession {
		runFuncAndLogErr(s.log, "ssh session", session.Close)
		return startedSession{err: transportError(action, err)}
	}

	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			return fail("requesting pty", err)
		}
	}

	session.Stdin = opts.Stdin

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("opening stdout", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fail("opening stderr", err)
	}

	if err := session.Start(line); err != nil {
		return fail("starting remote command", err)
	}

	return startedSession{session: session, stdout: stdout, stderr: stderr}
}

// reclaim kills and closes a session whose start outlived the timeout.
func (s *SSH) reclaim(startCh <-chan startedSession) {
	st := <-startCh
	if st.err != nil {
		return
	}
	if err := st.session.Signal(ssh.SIGKILL); err != nil {
		s.log.V(1).Info("error signaling remote command", "err", err.Error())
	}
	runFuncAndLogErr(s.log, "ssh session", st.session.Close)
}

// abandon kills the remote command and reclaims the session without waiting
// longer than KillGrace.
func (s *SSH) abandon(session *ssh.Session, done <-chan struct{}) {
	if err := session.Signal(ssh.SIGKILL); err != nil {
		s.log.V(1).Info("error signaling remote command", "err", err.Error())
	}
	runFuncAndLogErr(s.log, "ssh session", session.Close)

	select {
	case <-done:
	case <-time.After(s.KillGrace):
		s.log.Info("remote command still running after kill", "grace", s.KillGrace.String())
	}
}

func drain(wg *sync.WaitGroup, dst *bytes.Buffer, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}
