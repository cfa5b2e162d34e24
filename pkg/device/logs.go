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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/devicetest/pkg/command"
	"github.com/alexandremahdhaoui/devicetest/pkg/retry"
)

// DefaultMaxLogLines bounds the log window read by GetLogs.
const DefaultMaxLogLines = 100000

// LogQuery selects a window of the device journal.
type LogQuery struct {
	// Services filters on systemd units. Globs are accepted.
	Services []string
	// Since defaults to the test start time.
	Since time.Time
	Until time.Time
	// MaxLines defaults to DefaultMaxLogLines.
	MaxLines int
	// CurrentOnly keeps entries of the current invocation of Services.
	CurrentOnly bool
}

// LogEntry is one journal entry.
type LogEntry struct {
	Time         time.Time
	Unit         string
	InvocationID string
	Message      string
}

// LogAssertion selects journal entries and bounds how many may match.
type LogAssertion struct {
	LogQuery

	// Text matches entries containing it, case-insensitively.
	Text string
	// Pattern matches entries whose whole message matches the regular
	// expression.
	Pattern string

	// MinMatches defaults to 1 when MaxMatches is also unset.
	MinMatches *int
	MaxMatches *int
}

// GetLogs reads the device journal. A failing journalctl is logged and the
// entries read so far are returned.
func (d *Device) GetLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	since := q.Since
	if since.IsZero() {
		since = d.TestStartTime()
	}

	maxLines := q.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxLogLines
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "journalctl --lines %d --no-pager -o json", maxLines)
	for _, svc := range q.Services {
		sb.WriteString(" -u " + shellescape.Quote(svc))
	}
	if !since.IsZero() {
		fmt.Fprintf(&sb, " --since @%d", since.Unix())
	}
	if !q.Until.IsZero() {
		fmt.Fprintf(&sb, " --until @%d", q.Until.Unix())
	}
	cmd := sb.String()

	res, err := d.Execute(ctx, cmd, command.Options{LogOutput: ptr.To(false)})
	if err != nil {
		return nil, err
	}
	if res.ExitCode() != 0 {
		d.log.Info("could not retrieve journalctl logs", "cmd", cmd, "exitCode", res.ExitCode(), "stderr", res.Stderr())
	}

	entries := parseJournal(res.Stdout())

	if q.CurrentOnly && len(q.Services) > 0 {
		current, err := d.invocationIDs(ctx, q.Services)
		if err != nil {
			return nil, err
		}
		filtered := entries[:0]
		for _, e := range entries {
			if _, ok := current[e.InvocationID]; ok {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	return entries, nil
}

// AssertLogs reads the journal, filters it and checks the number of
// matching entries is within bounds. It returns the matching entries.
func (d *Device) AssertLogs(ctx context.Context, a LogAssertion) ([]LogEntry, error) {
	var re *regexp.Regexp
	if a.Pattern != "" {
		var err error
		if re, err = regexp.Compile("^(?:" + a.Pattern + ")$"); err != nil {
			return nil, retry.Finalf("invalid log pattern %q: %v", a.Pattern, err)
		}
	}

	entries, err := d.GetLogs(ctx, a.LogQuery)
	if err != nil {
		return nil, err
	}

	text := strings.ToLower(a.Text)
	var matches []LogEntry
	for _, e := range entries {
		if text != "" && !strings.Contains(strings.ToLower(e.Message), text) {
			continue
		}
		if re != nil && !re.MatchString(e.Message) {
			continue
		}
		matches = append(matches, e)
	}

	minMatches, maxMatches := a.MinMatches, a.MaxMatches
	if minMatches == nil && maxMatches == nil {
		minMatches = ptr.To(1)
	}

	if minMatches != nil && len(matches) < *minMatches {
		return matches, retry.Failf("not enough log entries matched. got=%d, wanted>=%d, text=%q, pattern=%q",
			len(matches), *minMatches, a.Text, a.Pattern)
	}
	if maxMatches != nil && len(matches) > *maxMatches {
		return matches, retry.Failf("too many log entries matched. got=%d, wanted<=%d, text=%q, pattern=%q",
			len(matches), *maxMatches, a.Text, a.Pattern)
	}
	return matches, nil
}

func (d *Device) invocationIDs(ctx context.Context, services []string) (map[string]struct{}, error) {
	ids := make(map[string]struct{}, len(services))
	for _, svc := range services {
		res, err := d.AssertCommand(ctx, "systemctl show -p InvocationID --value "+shellescape.Quote(svc), command.Options{
			LogOutput: ptr.To(false),
		})
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(res.Stdout(), "\n") {
			if id := strings.TrimSpace(line); id != "" {
				ids[id] = struct{}{}
			}
		}
	}
	return ids, nil
}

type journalRecord struct {
	RealtimeTimestamp string          `json:"__REALTIME_TIMESTAMP"`
	Unit              string          `json:"_SYSTEMD_UNIT"`
	InvocationID      string          `json:"_SYSTEMD_INVOCATION_ID"`
	Message           json.RawMessage `json:"MESSAGE"`
}

// parseJournal decodes `journalctl -o json` output. Lines that are not
// JSON records are skipped.
func parseJournal(out string) []LogEntry {
	var entries []LogEntry

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		entry := LogEntry{
			Unit:         rec.Unit,
			InvocationID: rec.InvocationID,
			Message:      journalMessage(rec.Message),
		}
		if usec, err := strconv.ParseInt(rec.RealtimeTimestamp, 10, 64); err == nil {
			entry.Time = time.UnixMicro(usec).UTC()
		}
		entries = append(entries, entry)
	}

	return entries
}

// journalMessage decodes MESSAGE, which journalctl emits as an array of
// bytes when it is not valid UTF-8.
func journalMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var b []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		b = make([]byte, len(ints))
		for i, v := range ints {
			b[i] = byte(v)
		}
	}
	return command.Decode(b)
}
