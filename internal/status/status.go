// Package status renders daemon state, task history and snapshots for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vrutkovs/ostbuild/internal/daemon"
	"github.com/vrutkovs/ostbuild/internal/uds"
)

type Status struct {
	Daemon        DaemonStatus `json:"daemon"`
	MaxConcurrent int          `json:"max_concurrent,omitempty"`
	Running       []TaskLine   `json:"running,omitempty"`
	Pending       []TaskLine   `json:"pending,omitempty"`
	Scheduled     []TaskLine   `json:"scheduled,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type TaskLine struct {
	Name       string         `json:"name"`
	Version    string         `json:"version,omitempty"`
	Since      time.Time      `json:"since"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func client(workRoot string) *uds.Client {
	return uds.NewClient(filepath.Join(workRoot, uds.DefaultSocketName))
}

// Run queries the daemon state and prints it.
func Run(workRoot string, jsonOutput bool, w io.Writer) error {
	st := collect(client(workRoot))
	if jsonOutput {
		return writeJSON(w, st)
	}
	printStatus(w, st, time.Now())
	return nil
}

func collect(c *uds.Client) Status {
	var state daemon.StateReply
	if err := c.Call("state", nil, &state); err != nil {
		return Status{}
	}

	st := Status{
		Daemon:        DaemonStatus{Running: true, Pid: state.Pid},
		MaxConcurrent: state.MaxConcurrent,
	}
	for _, ts := range state.Tasks {
		if ts.Running {
			line := TaskLine{Name: ts.Task.Name, Version: ts.Version, Parameters: ts.Task.Parameters}
			if ts.StartedAt != nil {
				line.Since = *ts.StartedAt
			}
			st.Running = append(st.Running, line)
		} else {
			st.Pending = append(st.Pending, TaskLine{Name: ts.Task.Name, Since: ts.Task.CreatedAt, Parameters: ts.Task.Parameters})
		}
	}
	for _, s := range state.Scheduled {
		st.Scheduled = append(st.Scheduled, TaskLine{Name: s.Name, Since: s.Due, Parameters: s.Parameters})
	}
	return st
}

func printStatus(w io.Writer, s Status, now time.Time) {
	if !s.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d, max_concurrent %d)\n", s.Daemon.Pid, s.MaxConcurrent)

	if len(s.Running) == 0 && len(s.Pending) == 0 && len(s.Scheduled) == 0 {
		fmt.Fprintln(w, "\nIdle")
		return
	}
	if len(s.Running) > 0 {
		fmt.Fprintln(w, "\nRunning:")
		for _, t := range s.Running {
			fmt.Fprintf(w, "  %-16s  %-12s  for %s%s\n", t.Name, t.Version, since(now, t.Since), formatParams(t.Parameters))
		}
	}
	if len(s.Pending) > 0 {
		fmt.Fprintln(w, "\nPending:")
		for _, t := range s.Pending {
			fmt.Fprintf(w, "  %-16s  queued %s ago%s\n", t.Name, since(now, t.Since), formatParams(t.Parameters))
		}
	}
	if len(s.Scheduled) > 0 {
		fmt.Fprintln(w, "\nScheduled:")
		for _, t := range s.Scheduled {
			fmt.Fprintf(w, "  %-16s  in %s%s\n", t.Name, since(t.Since, now), formatParams(t.Parameters))
		}
	}
}

// History prints the retained attempts of task, newest first.
func History(workRoot, task string, jsonOutput bool, w io.Writer) error {
	var reply daemon.HistoryReply
	if err := client(workRoot).Call("history", daemon.HistoryParams{Task: task}, &reply); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, reply)
	}

	fmt.Fprintf(w, "%s", reply.Task)
	if reply.LastOutputVersion != "" {
		fmt.Fprintf(w, " (output version %s)", reply.LastOutputVersion)
	}
	fmt.Fprintln(w)
	if len(reply.Attempts) == 0 {
		fmt.Fprintln(w, "  no attempts")
		return nil
	}
	fmt.Fprintf(w, "  %-12s  %s\n", "VERSION", "OUTCOME")
	for i := len(reply.Attempts) - 1; i >= 0; i-- {
		a := reply.Attempts[i]
		fmt.Fprintf(w, "  %-12s  %s\n", a.Version, a.Outcome)
	}
	return nil
}

// Snapshot prints the latest pipeline snapshot, or the one before it.
func Snapshot(workRoot string, previous, jsonOutput bool, w io.Writer) error {
	var reply daemon.SnapshotReply
	if err := client(workRoot).Call("snapshot", daemon.SnapshotParams{Previous: previous}, &reply); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, reply)
	}

	fmt.Fprintln(w, reply.Path)
	names := make([]string, 0, len(reply.Tasks))
	for name := range reply.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s  %s\n", name, reply.Tasks[name])
	}
	return nil
}

// Tasks prints the task catalog as YAML, in dependency order.
func Tasks(workRoot string, w io.Writer) error {
	var reply daemon.TasksReply
	if err := client(workRoot).Call("tasks", nil, &reply); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"tasks": reply.Tasks}); err != nil {
		return err
	}
	return enc.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func formatParams(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(p[k])
		if err != nil {
			v = []byte(fmt.Sprint(p[k]))
		}
		parts = append(parts, k+"="+string(v))
	}
	return "  " + strings.Join(parts, " ")
}
