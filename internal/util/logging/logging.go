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

// Package logging sets up the loggers of the devicetest binaries.
// It uses log/slog as the standard library logger and bridges it to logr
// through controller-runtime's zap logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (human-readable).
	Development bool

	// Verbosity enables logr V-levels up to its value. 0 logs Info only.
	Verbosity int

	// Writer receives the logs. Defaults to os.Stderr, leaving stdout to
	// command output.
	Writer io.Writer
}

// Setup configures both the standard library slog logger and the
// controller-runtime logger, and returns the latter.
func Setup(opts Options) logr.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	slogOpts := &slog.HandlerOptions{Level: SlogLevel(opts.Verbosity)}
	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(w, slogOpts)
	} else {
		handler = slog.NewJSONHandler(w, slogOpts)
	}
	slog.SetDefault(slog.New(handler))

	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  w,
		Level:       zapcore.Level(-opts.Verbosity),
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(logger)

	return logger
}

// SlogLevel maps a logr verbosity to a slog level: V(1) is debug.
func SlogLevel(verbosity int) slog.Level {
	if verbosity > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
