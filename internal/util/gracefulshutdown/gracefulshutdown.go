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

// Package gracefulshutdown cancels a CLI run on SIGTERM or SIGINT and
// releases the resources it registered before exiting.
package gracefulshutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitInterrupted is the exit code used when a signal ends the run.
const ExitInterrupted = 130

// GracefulShutdown holds the run context and the release hooks.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	mu    sync.Mutex
	hooks []hook

	once sync.Once
	done chan struct{}

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

type hook struct {
	what string
	f    func() error
}

// NewWithExit creates a GracefulShutdown exiting through exitFunc.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}

	// A signal shuts down even if the run never returns.
	go func() {
		select {
		case <-ctx.Done():
			gs.Shutdown(ExitInterrupted)
		case <-gs.done:
		}
	}()

	return gs
}

// New creates a GracefulShutdown whose context is cancelled by SIGTERM or
// SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers f. Hooks run once, in reverse registration order.
// Their errors are logged.
func (s *GracefulShutdown) OnShutdown(what string, f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook{what: what, f: f})
}

// Shutdown runs the hooks and exits with exitCode. Only the first call has
// any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		close(s.done)
		slog.DebugContext(s.ctx, fmt.Sprintf("shutting down %s", s.name), "exitCode", exitCode)

		s.cancel()

		s.mu.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].f(); err != nil {
				slog.Warn("shutdown hook failed", "hook", hooks[i].what, "error", err.Error())
			}
		}

		s.exitFunc(exitCode)
	})
}

// Context returns the run context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the run context.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}
