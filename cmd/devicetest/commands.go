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

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/device"
)

var errInteractiveStdin = errors.New("refusing to forward stdin attached to a terminal")

// commandFlags are the execution options shared by exec and assert.
type commandFlags struct {
	sudo    bool
	noShell bool
	user    string
	env     map[string]string
	timeout time.Duration
	pty     bool
	workDir string
	stdin   bool
	quiet   bool
}

func (f *commandFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.sudo, "sudo", false, "Elevate the command with sudo (default: from config)")
	flags.BoolVar(&f.noShell, "no-shell", false, "Run the command without a shell")
	flags.StringVarP(&f.user, "user", "u", "", "Run the command as user")
	flags.StringToStringVarP(&f.env, "env", "e", nil, "Environment variables, e.g. --env FOO=bar")
	flags.DurationVarP(&f.timeout, "timeout", "t", 0, "Command timeout (default: from config)")
	flags.BoolVar(&f.pty, "pty", false, "Request a pseudo-terminal")
	flags.StringVarP(&f.workDir, "workdir", "w", "", "Working directory of the command")
	flags.BoolVarP(&f.stdin, "stdin", "i", false, "Forward stdin to the command")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Do not log the command output")
}

func (f *commandFlags) options(cmd *cobra.Command, a *app) (command.Options, error) {
	opts := command.Options{
		User:    f.user,
		Env:     f.env,
		Timeout: f.timeout,
		PTY:     f.pty,
		WorkDir: f.workDir,
	}
	if cmd.Flags().Changed("sudo") {
		opts.Sudo = ptr.To(f.sudo)
	}
	if f.noShell {
		opts.Shell = ptr.To(false)
	}
	if f.quiet {
		opts.LogOutput = ptr.To(false)
	}
	if f.stdin {
		if isTerminal(a.stdin) {
			return command.Options{}, errInteractiveStdin
		}
		opts.Stdin = a.stdin
	}
	return opts, nil
}

// commandLine keeps a single argument as a shell snippet and quotes
// several ones.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellescape.QuoteCommand(args)
}

// ------------------------------------------------- Exec ----------------------------------------------------------- //

func newExecCmd(a *app) *cobra.Command {
	f := &commandFlags{}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- COMMAND [ARGS...]",
		Short: "Execute a command and exit with its exit code",
		Example: `  devicetest exec -- uname -a
  devicetest exec --sudo=false -- 'systemctl is-active nginx || true'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd, a)
			if err != nil {
				return err
			}

			res, err := a.device.Execute(cmd.Context(), commandLine(args), opts)
			if err != nil {
				return err
			}

			a.printResult(res)
			if res.ExitCode() != 0 {
				return &exitCodeError{code: res.ExitCode()}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) printResult(res *command.Result) {
	_, _ = fmt.Fprint(a.out, res.Stdout())
	_, _ = fmt.Fprint(a.errOut, res.Stderr())

	if res.Truncated() {
		_, _ = fmt.Fprintln(a.errOut, "warning: output was truncated")
	}
	if isTerminal(a.out) {
		_, _ = fmt.Fprintf(a.errOut, "exit code: %d\n", res.ExitCode())
	}
}

// ------------------------------------------------- Assert --------------------------------------------------------- //

func newAssertCmd(a *app) *cobra.Command {
	f := &commandFlags{}
	var expect string
	cmd := &cobra.Command{
		Use:   "assert [flags] -- COMMAND [ARGS...]",
		Short: "Assert the exit code of a command, retrying until it matches",
		Example: `  devicetest assert -- test -f /etc/hostname
  devicetest assert --expect '!0' -- pgrep crashloop`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd, a)
			if err != nil {
				return err
			}

			exp, err := command.ParseExpectation(expect)
			if err != nil {
				return err
			}
			opts.Expect = &exp

			res, err := a.asserter.AssertCommand(cmd.Context(), commandLine(args), opts)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprint(a.out, res.Stdout())
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&expect, "expect", "x", "0", `Expected exit code, "!N" for any code but N or "*" for any code`)
	return cmd
}

// ------------------------------------------------- Logs ----------------------------------------------------------- //

func newLogsCmd(a *app) *cobra.Command {
	var (
		q        device.LogQuery
		since    time.Duration
		until    time.Duration
		text     string
		pattern  string
		minMatches, maxMatches int
	)
	cmd := &cobra.Command{
		Use:   "logs [flags]",
		Short: "Print or assert journal entries",
		Long: `logs prints the journal entries of the device. When --text, --pattern,
--min or --max is set, the entries are asserted instead and only the
matching ones are printed.`,
		Example: `  devicetest logs -s nginx --since 5m
  devicetest logs -s nginx --text "started" --min 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if since > 0 {
				q.Since = now.Add(-since)
			}
			if until > 0 {
				q.Until = now.Add(-until)
			}

			flags := cmd.Flags()
			assertion := text != "" || pattern != "" || flags.Changed("min") || flags.Changed("max")
			if !assertion {
				entries, err := a.device.GetLogs(cmd.Context(), q)
				if err != nil {
					return err
				}
				a.printEntries(entries)
				return nil
			}

			la := device.LogAssertion{LogQuery: q, Text: text, Pattern: pattern}
			if flags.Changed("min") {
				la.MinMatches = ptr.To(minMatches)
			}
			if flags.Changed("max") {
				la.MaxMatches = ptr.To(maxMatches)
			}

			entries, err := a.asserter.AssertLogs(cmd.Context(), la)
			if err != nil {
				return err
			}
			a.printEntries(entries)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&q.Services, "service", "s", nil, "Systemd units, globs accepted")
	flags.DurationVar(&since, "since", time.Hour, "Start of the window, relative to now")
	flags.DurationVar(&until, "until", 0, "End of the window, relative to now")
	flags.IntVarP(&q.MaxLines, "lines", "n", device.DefaultMaxLogLines, "Maximum number of entries read")
	flags.BoolVar(&q.CurrentOnly, "current", false, "Keep entries of the current invocation of the services")
	flags.StringVar(&text, "text", "", "Match entries containing text, case-insensitively")
	flags.StringVar(&pattern, "pattern", "", "Match entries whose message matches the regular expression")
	flags.IntVar(&minMatches, "min", 1, "Minimum number of matches")
	flags.IntVar(&maxMatches, "max", 0, "Maximum number of matches")

	return cmd
}

func (a *app) printEntries(entries []device.LogEntry) {
	for _, e := range entries {
		_, _ = fmt.Fprintf(a.out, "%s %s %s\n", e.Time.Format(time.RFC3339), e.Unit, e.Message)
	}
}

// ------------------------------------------------- Files ---------------------------------------------------------- //

func newChecksumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checksum DEVICE_FILE REFERENCE_FILE",
		Short: "Assert a device file has the md5 checksum of a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := a.asserter.AssertFileChecksum(cmd.Context(), args[0], args[1], command.Options{})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.out, sum)
			return nil
		},
	}
}

func newPermissionsCmd(a *app) *cobra.Command {
	var mode, owner string
	cmd := &cobra.Command{
		Use:     "permissions PATH",
		Short:   "Assert the mode and ownership of a device path",
		Example: `  devicetest permissions /etc/shadow --mode 640 --owner root:shadow`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, err := a.asserter.AssertLinuxPermissions(cmd.Context(), args[0], mode, owner, command.Options{})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.out, "%s %s\n", perms.Mode, perms.OwnerGroup)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Expected octal mode, e.g. 644")
	cmd.Flags().StringVar(&owner, "owner", "", "Expected owner:group")
	return cmd
}

func newCopyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "copy SRC DST",
		Short: "Copy local files matching SRC to DST on the device",
		Long: `copy packs the local files matching the glob SRC and unpacks them on the
device. A single file is written to DST. Several files, or a DST ending
with "/", are written into the directory DST.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.device.CopyTo(cmd.Context(), args[0], args[1])
		},
	}
}

// ------------------------------------------------- Info ----------------------------------------------------------- //

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print what is known about the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d := a.device

			lines := []string{
				"id: " + d.ID(),
				"name: " + d.Name(),
				"adapter: " + string(d.Transport().Kind()),
			}

			ip, err := d.IPAddress(ctx)
			switch {
			case err == nil:
				lines = append(lines, "ip: "+ip)
			case !errors.Is(err, command.ErrNotSupported):
				return err
			}

			uptime, err := d.Uptime(ctx)
			if err != nil {
				return err
			}
			lines = append(lines, "uptime: "+uptime.Truncate(time.Second).String())

			_, _ = fmt.Fprintln(a.out, strings.Join(lines, "\n"))
			return nil
		},
	}
}
