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
	"net/url"
	"time"

	"github.com/alessio/shellescape"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/alexandremahdhaoui/devicetest/internal/k8s"
	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/execcontext"
)

var ErrPodNotStarted = errors.New("pod has not started")

// PodTarget identifies the container commands run in.
type PodTarget struct {
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	// Container defaults to the only container of the pod.
	Container string `json:"container,omitempty"`
}

func (t PodTarget) String() string {
	return t.Namespace + "/" + t.Pod
}

// ExecutorFactory builds the executor streaming one exec session.
type ExecutorFactory func(config *rest.Config, method string, url *url.URL) (remotecommand.Executor, error)

var (
	_ Transport = &Kubernetes{}
	_ Addresser = &Kubernetes{}
	_ Starter   = &Kubernetes{}
)

// Kubernetes runs commands through the exec subresource of a pod.
type Kubernetes struct {
	target      PodTarget
	restConfig  *rest.Config
	clientset   kubernetes.Interface
	pods        client.Client
	newExecutor ExecutorFactory
	log         logr.Logger
}

// DialKubernetes builds the clients for kubeconfigPath, which may also be
// k8s.InClusterConfig or empty for the default loading rules.
func DialKubernetes(kubeconfigPath string, target PodTarget, log logr.Logger) (*Kubernetes, error) {
	restConfig, err := k8s.NewKubeRestConfig(kubeconfigPath)
	if err != nil {
		return nil, transportError("loading kubeconfig", err)
	}

	clientset, err := k8s.NewClientset(restConfig)
	if err != nil {
		return nil, transportError("creating clientset", err)
	}

	pods, err := k8s.NewKubeClient(restConfig)
	if err != nil {
		return nil, transportError("creating kube client", err)
	}

	return NewKubernetes(target, restConfig, clientset, pods, remotecommand.NewSPDYExecutor, log), nil
}

func NewKubernetes(
	target PodTarget,
	restConfig *rest.Config,
	clientset kubernetes.Interface,
	pods client.Client,
	newExecutor ExecutorFactory,
	log logr.Logger,
) *Kubernetes {
	return &Kubernetes{
		target:      target,
		restConfig:  restConfig,
		clientset:   clientset,
		pods:        pods,
		newExecutor: newExecutor,
		log:         log.WithValues("pod", target.String()),
	}
}

func (k *Kubernetes) Kind() Kind { return KindKubernetes }

func (k *Kubernetes) Execute(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	argv, err := execcontext.Argv(opts, cmd)
	if err != nil {
		return nil, err
	}

	ectx := execcontext.FromOptions(opts, execcontext.Capabilities{})
	full := execcontext.FullArgv(ectx, argv...)
	if opts.WorkDir != "" {
		line := "cd " + shellescape.Quote(opts.WorkDir) + " && " + execcontext.FormatCmd(ectx, argv...)
		full = []string{opts.Shellbin(), "-c", line}
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(k.target.Namespace).
		Name(k.target.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: k.target.Container,
			Command:   full,
			Stdin:     opts.Stdin != nil,
			Stdout:    true,
			Stderr:    !opts.PTY,
			TTY:       opts.PTY,
		}, scheme.ParameterCodec)

	executor, err := k.newExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, transportError("creating pod executor", err)
	}

	timeout := opts.EffectiveTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	streamOpts := remotecommand.StreamOptions{
		Stdin:  opts.Stdin,
		Stdout: &stdout,
		Tty:    opts.PTY,
	}
	if !opts.PTY {
		streamOpts.Stderr = &stderr
	}

	err = executor.StreamWithContext(execCtx, streamOpts)

	exitCode := 0
	var exitErr utilexec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.Exited():
		exitCode = exitErr.ExitStatus()
	case execCtx.Err() != nil && ctx.Err() == nil:
		return nil, timeoutError(cmd, timeout)
	default:
		return nil, transportError("streaming pod exec", err)
	}

	return command.NewResult(
		exitCode,
		normalizeNewlines(opts, stdout.Bytes()),
		normalizeNewlines(opts, stderr.Bytes()),
	), nil
}

// IPAddress implements Addresser.
func (k *Kubernetes) IPAddress(ctx context.Context) (string, error) {
	pod, err := k.pod(ctx)
	if err != nil {
		return "", err
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("%w: no pod ip", ErrPodNotStarted)
	}
	return pod.Status.PodIP, nil
}

// StartTime implements Starter.
func (k *Kubernetes) StartTime(ctx context.Context) (time.Time, error) {
	pod, err := k.pod(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if pod.Status.StartTime == nil {
		return time.Time{}, ErrPodNotStarted
	}
	return pod.Status.StartTime.Time, nil
}

func (k *Kubernetes) pod(ctx context.Context) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	key := client.ObjectKey{Namespace: k.target.Namespace, Name: k.target.Pod}
	if err := k.pods.Get(ctx, key, pod); err != nil {
		return nil, transportError("getting pod "+k.target.String(), err)
	}
	return pod, nil
}

// Close implements Transport. Each exec stream is released when it ends.
func (k *Kubernetes) Close() error { return nil }
