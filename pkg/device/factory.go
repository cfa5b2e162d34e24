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

package device

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/devicetest/pkg/config"
	"github.com/alexandremahdhaoui/devicetest/pkg/transport"
)

// NewTransport connects the transport selected by cfg.Adapter.
func NewTransport(ctx context.Context, cfg *config.Config, log logr.Logger) (transport.Transport, error) { //nolint:ireturn
	switch cfg.Adapter {
	case transport.KindLocal:
		return transport.NewLocal(log), nil
	case transport.KindSSH:
		s, err := transport.DialSSH(ctx, cfg.SSHConfig(), log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case transport.KindDocker:
		d, err := transport.DialDocker(cfg.ContainerID(), log)
		if err != nil {
			return nil, err
		}
		if cfg.Docker != nil {
			d.StrictTruncation = cfg.Docker.StrictTruncation
		}
		return d, nil
	case transport.KindKubernetes:
		k, err := transport.DialKubernetes(cfg.Kubernetes.KubeconfigPath, cfg.Kubernetes.PodTarget, log)
		if err != nil {
			return nil, err
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownAdapter, cfg.Adapter)
	}
}

// FromConfig connects to the device described by cfg. opts are applied
// after the options derived from cfg.
func FromConfig(ctx context.Context, cfg *config.Config, log logr.Logger, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tr, err := NewTransport(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithName(cfg.DisplayName()),
		WithDefaults(cfg.CommandDefaults()),
		WithShouldCleanup(cfg.ShouldCleanup),
		WithLogger(log),
	}
	return New(cfg.ID, tr, append(base, opts...)...), nil
}
