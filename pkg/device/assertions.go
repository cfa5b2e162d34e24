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
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/retry"
)

// Asserter is implemented by Device and RetryingDevice.
type Asserter interface {
	AssertCommand(ctx context.Context, cmd string, opts command.Options) (*command.Result, error)
	AssertFileChecksum(ctx context.Context, file, referenceFile string, opts command.Options) (string, error)
	AssertLinuxPermissions(ctx context.Context, path, mode, ownerGroup string, opts command.Options) (Permissions, error)
	AssertLogs(ctx context.Context, a LogAssertion) ([]LogEntry, error)
}

var (
	_ Asserter = &Device{}
	_ Asserter = &RetryingDevice{}
)

// Permissions is the observed mode and ownership of a path.
type Permissions struct {
	// Mode in octal, e.g. 644.
	Mode string
	// OwnerGroup as owner:group.
	OwnerGroup string
}

// AssertCommand executes cmd and checks its exit code against
// opts.Expect, 0 by default. A truncated result always fails.
func (d *Device) AssertCommand(ctx context.Context, cmd string, opts command.Options) (*command.Result, error) {
	res, err := d.Execute(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}

	expect := opts.WithDefaults(d.defaults).Expectation()
	switch {
	case res.Truncated():
		return res, retry.Failf("`%s` output was truncated (exit code %d)\nstdout:\n%s\nstderr:\n%s",
			command.Snippet(cmd), res.ExitCode(), res.Stdout(), res.Stderr())
	case !expect.Matches(res.ExitCode()):
		return res, retry.Failf("`%s` returned an unexpected exit code. got=%d, wanted=%s\nstdout:\n%s\nstderr:\n%s",
			command.Snippet(cmd), res.ExitCode(), expect, res.Stdout(), res.Stderr())
	}

	return res, nil
}

// AssertFileChecksum checks file on the device has the same md5 digest as
// the local referenceFile, and returns it.
func (d *Device) AssertFileChecksum(ctx context.Context, file, referenceFile string, opts command.Options) (string, error) {
	expected, err := md5File(referenceFile)
	if err != nil {
		return "", retry.Finalf("unable to read reference file %s: %v", referenceFile, err)
	}

	res, err := d.AssertCommand(ctx, "md5sum "+shellescape.Quote(file), opts)
	if err != nil {
		return "", err
	}

	actual := ""
	if fields := strings.Fields(res.Stdout()); len(fields) > 0 {
		actual = strings.ToLower(fields[0])
	}

	if actual != expected {
		return actual, retry.Failf(
			"file is not equal\nreference_file (local): %s\nfile (device): %s\ngot: %s\nwanted: %s",
			referenceFile, file, actual, expected)
	}
	return actual, nil
}

// AssertLinuxPermissions reads the mode and owner:group of path, and checks
// them against mode and ownerGroup when they are not empty.
func (d *Device) AssertLinuxPermissions(ctx context.Context, path, mode, ownerGroup string, opts command.Options) (Permissions, error) {
	res, err := d.AssertCommand(ctx, "stat -c '%a %U:%G' "+shellescape.Quote(path), opts)
	if err != nil {
		return Permissions{}, err
	}

	actualMode, actualOwnerGroup, _ := strings.Cut(strings.TrimSpace(res.Stdout()), " ")
	observed := Permissions{Mode: actualMode, OwnerGroup: actualOwnerGroup}

	if mode != "" && actualMode != mode {
		return observed, retry.Failf("file/dir mode does not match\n  path: %s\n  got: %s\n  wanted: %s",
			path, actualMode, mode)
	}
	if ownerGroup != "" && actualOwnerGroup != ownerGroup {
		return observed, retry.Failf("file/dir owner/group does not match\n  path: %s\n  got: %s\n  wanted: %s",
			path, actualOwnerGroup, ownerGroup)
	}

	return observed, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
