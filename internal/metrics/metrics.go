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

// Package metrics records command executions.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
)

// Outcome classifies a command execution.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNonZero        Outcome = "nonzero"
	OutcomeTruncated      Outcome = "truncated"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
)

// Recorder holds the command metrics.
type Recorder struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder registers the command metrics with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicetest_commands_total",
			Help: "Commands executed on devices, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devicetest_command_duration_seconds",
			Help:    "Wall-clock duration of commands executed on devices.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"transport"}),
	}

	for _, c := range []prometheus.Collector{r.commands, r.duration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, fmt.Errorf("registering metrics: %w", err)
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				r.commands = existing
			case *prometheus.HistogramVec:
				r.duration = existing
			}
		}
	}

	return r, nil
}

// Observe records one execution.
func (r *Recorder) Observe(transport string, elapsed time.Duration, res *command.Result, err error) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(transport, string(Classify(res, err))).Inc()
	r.duration.WithLabelValues(transport).Observe(elapsed.Seconds())
}

// Classify returns the outcome of an execution.
func Classify(res *command.Result, err error) Outcome {
	switch {
	case errors.Is(err, command.ErrCommandTimeout):
		return OutcomeTimeout
	case errors.Is(err, command.ErrStreamTruncated):
		return OutcomeTruncated
	case err != nil:
		return OutcomeTransportError
	case res.Truncated():
		return OutcomeTruncated
	case res.ExitCode() != 0:
		return OutcomeNonZero
	default:
		return OutcomeSuccess
	}
}

// NewServer serves the metrics of gatherer on addr at path.
func NewServer(addr, path string, gatherer prometheus.Gatherer) *http.Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})) //nolint:exhaustruct

	return &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
