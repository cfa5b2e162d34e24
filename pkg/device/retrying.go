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

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/retry"
)

// RetryingDevice is a Device whose assertions are retried with a policy.
// Every other operation is the Device's own.
//
// An assertion reading opts.Stdin consumes it on the first attempt.
type RetryingDevice struct {
	*Device

	policy retry.Policy
}

func NewRetrying(d *Device, policy retry.Policy) *RetryingDevice {
	if policy.Logger.GetSink() == nil {
		policy.Logger = d.log
	}
	return &RetryingDevice{Device: d, policy: policy}
}

func (r *RetryingDevice) AssertCommand(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (*command.Result, error) {
		return r.Device.AssertCommand(ctx, cmd, opts)
	})
}

func (r *RetryingDevice) AssertFileChecksum(ctx context.Context, file, referenceFile string, opts command.Options) (string, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.Device.AssertFileChecksum(ctx, file, referenceFile, opts)
	})
}

func (r *RetryingDevice) AssertLinuxPermissions(ctx context.Context, path, mode, ownerGroup string, opts command.Options) (Permissions, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (Permissions, error) {
		return r.Device.AssertLinuxPermissions(ctx, path, mode, ownerGroup, opts)
	})
}

func (r *RetryingDevice) AssertLogs(ctx context.Context, a LogAssertion) ([]LogEntry, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) ([]LogEntry, error) {
		return r.Device.AssertLogs(ctx, a)
	})
}
