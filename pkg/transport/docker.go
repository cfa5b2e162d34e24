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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/execcontext"
	"github.com/alexandremahdhaoui/devicetest/pkg/muxstream"
)

const (
	// DefaultExecPollInterval is the interval at which a cut-short exec is
	// inspected until it stops running.
	DefaultExecPollInterval = 250 * time.Millisecond
	// DefaultExecPollTimeout bounds the wait for a trustworthy exit code.
	DefaultExecPollTimeout = 5 * time.Second
)

var ErrNoContainerIP = errors.New("container has no ip address")

// DockerAPI is the subset of the docker client used by Docker.
type DockerAPI interface {
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	Close() error
}

var (
	_ Transport     = &Docker{}
	_ ArchiveCopier = &Docker{}
	_ Addresser     = &Docker{}
	_ StatsReader   = &Docker{}
	_ Starter       = &Docker{}
)

// Docker runs commands as exec instances of a running container.
type Docker struct {
	// StrictTruncation fails commands whose output was cut short even when
	// their exit code is known.
	StrictTruncation bool
	PollInterval     time.Duration
	PollTimeout      time.Duration

	api         DockerAPI
	containerID string
	once        sync.Once
	log         logr.Logger
}

// DialDocker connects to the docker daemon configured by the environment.
func DialDocker(containerID string, log logr.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, transportError("creating docker client", err)
	}
	return NewDocker(cli, containerID, log), nil
}

func NewDocker(api DockerAPI, containerID string, log logr.Logger) *Docker {
	return &Docker{
		PollInterval: DefaultExecPollInterval,
		PollTimeout:  DefaultExecPollTimeout,
		api:          api,
		containerID:  containerID,
		log:          log,
	}
}

func (d *Docker) Kind() Kind { return KindDocker }

func (d *Docker) Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	argv, err := execcontext.Argv(opts, cmd)
	if err != nil {
		return nil, err
	}

	ectx := execcontext.FromOptions(opts, execcontext.Capabilities{NativeEnv: true, NativeUser: true})
	envs := ectx.Envs()
	env := make([]string, 0, len(envs))
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		env = append(env, k+"="+envs[k])
	}

	log := d.log.WithValues("container", d.containerID, "execCorrelationID", uuid.NewString())

	timeout := opts.EffectiveTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.api.ContainerExecCreate(execCtx, d.containerID, container.ExecOptions{
		User:         opts.User,
		Tty:          opts.PTY,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   opts.WorkDir,
		Cmd:          execcontext.FullArgv(ectx, argv...),
	})
	if err != nil {
		return nil, stepError(ctx, execCtx, cmd, timeout, "creating exec", err)
	}
	log = log.WithValues("execID", created.ID)

	resp, err := d.api.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{Tty: opts.PTY})
	if err != nil {
		return nil, stepError(ctx, execCtx, cmd, timeout, "attaching exec", err)
	}

	closeWrite := sync.OnceValue(resp.CloseWrite)
	ch := muxstream.Attach(resp.Reader, closeWrite, func() error {
		resp.Close()
		return nil
	}, log)
	defer ch.Close()

	if opts.Stdin != nil {
		go func() {
			if _, err := io.Copy(resp.Conn, opts.Stdin); err != nil {
				log.V(1).Info("error streaming stdin", "err", err.Error())
			}
			runFuncAndLogErr(log, "exec stdin", closeWrite)
		}()
	}

	// Reading gets what is left of the timeout.
	remaining := max(time.Until(deadline(execCtx)), time.Millisecond)
	var out muxstream.Output
	if opts.PTY {
		out = ch.ReadRaw(remaining)
	} else {
		out = ch.ReadFrames(remaining)
	}
	ch.Close()

	exitCode, known := d.exitCode(ctx, created.ID, log)

	stdout := normalizeNewlines(opts, out.Stdout)
	stderr := normalizeNewlines(opts, out.Stderr)

	switch {
	case !out.Truncated:
		if !known {
			return nil, fmt.Errorf("%w: exit code of %q unavailable", command.ErrTransport, command.Snippet(cmd))
		}
		return command.NewResult(exitCode, stdout, stderr), nil
	case !known && errors.Is(out.Err, muxstream.ErrReadTimeout):
		return nil, timeoutError(cmd, timeout)
	case !known:
		return nil, fmt.Errorf("%w: exit code of %q unknown after %s: %w",
			command.ErrStreamTruncated, command.Snippet(cmd), d.PollTimeout, out.Err)
	case d.StrictTruncation:
		return nil, fmt.Errorf("%w: %q exited with %d: %w",
			command.ErrStreamTruncated, command.Snippet(cmd), exitCode, out.Err)
	default:
		log.Info("exec output truncated", "cmd", command.Snippet(cmd), "exitCode", exitCode, "err", out.Err.Error())
		return command.NewPartialResult(exitCode, stdout, stderr), nil
	}
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

// exitCode inspects the exec instance. When it is still running, typically
// because the stream was cut short, it is polled until it stops or
// PollTimeout elapses.
func (d *Docker) exitCode(ctx context.Context, execID string, log logr.Logger) (int, bool) {
	inspect, err := d.api.ContainerExecInspect(ctx, execID)
	if err == nil && !inspect.Running {
		return inspect.ExitCode, true
	}
	if err != nil {
		log.V(1).Info("error inspecting exec", "err", err.Error())
	}

	err = wait.PollUntilContextTimeout(ctx, d.PollInterval, d.PollTimeout, true, func(ctx context.Context) (bool, error) {
		inspect, err = d.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			log.V(1).Info("error inspecting exec", "err", err.Error())
			return false, nil
		}
		return !inspect.Running, nil
	})
	if err != nil {
		log.Info("exec still running or unreachable", "pollTimeout", d.PollTimeout.String(), "err", err.Error())
		return 0, false
	}
	return inspect.ExitCode, true
}

// CopyArchive implements ArchiveCopier.
func (d *Docker) CopyArchive(ctx context.Context, dir string, archive io.Reader) error {
	if err := d.api.CopyToContainer(ctx, d.containerID, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return transportError("copying archive to "+dir, err)
	}
	return nil
}

// IPAddress implements Addresser. It returns the address of the first
// network, by name, the container is attached to.
func (d *Docker) IPAddress(ctx context.Context) (string, error) {
	info, err := d.api.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return "", transportError("inspecting container", err)
	}
	if info.NetworkSettings == nil {
		return "", ErrNoContainerIP
	}

	networks := info.NetworkSettings.Networks
	for _, name := range slices.Sorted(maps.Keys(networks)) {
		if ep := networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", ErrNoContainerIP
}

// StartTime implements Starter.
func (d *Docker) StartTime(ctx context.Context) (time.Time, error) {
	info, err := d.api.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return time.Time{}, transportError("inspecting container", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return time.Time{}, fmt.Errorf("container %s has no state", d.containerID)
	}

	t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing container start time %q: %w", info.State.StartedAt, err)
	}
	return t, nil
}

// Stats implements StatsReader with a single, non-streamed sample.
func (d *Docker) Stats(ctx context.Context) (map[string]any, error) {
	resp, err := d.api.ContainerStats(ctx, d.containerID, false)
	if err != nil {
		return nil, transportError("reading container stats", err)
	}
	defer runFuncAndLogErr(d.log, "stats body", resp.Body.Close)

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding container stats: %w", err)
	}
	return stats, nil
}

// Close implements Transport.
func (d *Docker) Close() error {
	var err error
	d.once.Do(func() { err = d.api.Close() })
	return err
}
