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

// Package sshtest runs an in-process SSH server answering exec requests from
// a handler, for tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errDenied = errors.New("access denied")

// Exec is one exec request received by the server.
type Exec struct {
	Command string
	PTY     bool
	Env     map[string]string
}

// Reply is what the server answers to an exec request.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Hang keeps the session open until the client signals or closes it.
	Hang bool
	// NoExitStatus closes the session without reporting an exit status.
	NoExitStatus bool
}

type Handler func(Exec) Reply

// Server is a running test server.
type Server struct {
	Addr     string
	User     string
	Password string
	// PrivateKey is a PEM encoded client key accepted by the server.
	PrivateKey []byte
	// KnownHosts is a known_hosts line matching the server host key.
	KnownHosts string

	listener net.Listener
	handler  Handler

	mu      sync.Mutex
	execs   []Exec
	signals []string
	stalled map[string]bool
}

// NewServer starts a server closed with the test.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{
		Addr:       l.Addr().String(),
		User:       "tester",
		Password:   "secret",
		PrivateKey: pem.EncodeToMemory(block),
		listener:   l,
		handler:    handler,
	}
	s.KnownHosts = knownHostsLine(l.Addr(), hostSigner.PublicKey())

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.User && string(password) == s.Password {
				return nil, nil
			}
			return nil, errDenied
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == s.User && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errDenied
		},
	}
	cfg.AddHostKey(hostSigner)

	go s.serve(cfg)
	t.Cleanup(func() { _ = l.Close() })

	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.Addr)
	return port
}

// Stall never answers session requests of the given types, e.g. "pty-req"
// or "exec".
func (s *Server) Stall(reqTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalled == nil {
		s.stalled = map[string]bool{}
	}
	for _, t := range reqTypes {
		s.stalled[t] = true
	}
}

func (s *Server) isStalled(reqType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled[reqType]
}

// Execs returns the exec requests received so far.
func (s *Server) Execs() []Exec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exec(nil), s.execs...)
}

// Signals returns the signals received so far.
func (s *Server) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	exec := Exec{Env: map[string]string{}}
	done := make(chan struct{})
	started := false

	for req := range reqs {
		if s.isStalled(req.Type) {
			continue
		}
		switch req.Type {
		case "pty-req":
			exec.PTY = true
			_ = req.Reply(true, nil)
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				exec.Env[kv.Name] = kv.Value
			}
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			exec.Command = payload.Command
			s.mu.Lock()
			s.execs = append(s.execs, exec)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

			go func(e Exec) {
				defer close(done)
				s.run(ch, e)
			}(exec)
		case "signal":
			var sig struct{ Signal string }
			_ = ssh.Unmarshal(req.Payload, &sig)
			s.mu.Lock()
			s.signals = append(s.signals, sig.Signal)
			s.mu.Unlock()
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}

	if started {
		<-done
	}
}

func (s *Server) run(ch ssh.Channel, e Exec) {
	reply := s.handler(e)
	if reply.Hang {
		return
	}

	stdout, stderr := reply.Stdout, reply.Stderr
	if e.PTY {
		// Terminals merge stderr into stdout and emit CRLF line endings.
		stdout = toCRLF(stdout + stderr)
		stderr = ""
	}
	_, _ = ch.Write([]byte(stdout))
	_, _ = ch.Stderr().Write([]byte(stderr))
	_ = ch.CloseWrite()

	if !reply.NoExitStatus {
		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(reply.ExitCode))
		_, _ = ch.SendRequest("exit-status", false, status)
	}
	_ = ch.Close()
}

func toCRLF(s string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte("\n"), []byte("\r\n")))
}

func knownHostsLine(addr net.Addr, key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(addr.String())}, key)
}
