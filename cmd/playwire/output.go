package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/store"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// writeStructured renders v as json or yaml. YAML keys follow the JSON
// field names.
func writeStructured(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

func printSession(w io.Writer, s supervisor.Session) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", styleLabel.Render(fmt.Sprintf("%-10s", label)), value)
	}
	row("status", statusStyle(s.Status).Render(string(s.Status)))
	row("backend", s.Backend)
	if s.Pid > 0 {
		row("pid", fmt.Sprint(s.Pid))
	}
	if s.TunnelURL != "" {
		row("tunnel", styleURL.Render(s.TunnelURL))
	}
	if s.AuthURL != "" {
		row("auth", styleURL.Render(s.AuthURL))
	}
	if s.StartedAt != nil {
		row("uptime", formatDuration(time.Since(*s.StartedAt)))
	}
	if s.RestartAttempts > 0 {
		row("restarts", fmt.Sprint(s.RestartAttempts))
	}
	if s.Secret != nil {
		row("secret", s.Secret.Path)
	} else {
		fmt.Fprintln(w, styleHint.Render("agent not claimed yet, run 'playwire login'"))
	}
}

func printLog(w io.Writer, e supervisor.LogEntry) {
	fmt.Fprintf(w, "%s %s %s\n",
		styleLabel.Render(e.Time.Local().Format("15:04:05")),
		sourceStyle(e.Source).Render(fmt.Sprintf("%-6s", e.Source)),
		e.Message)
}

func logEntry(e event.Log) supervisor.LogEntry {
	return supervisor.LogEntry{Time: e.Time, Source: e.Source, Message: e.Message}
}

func printTunnels(w io.Writer, tunnels []event.Tunnel) {
	if len(tunnels) == 0 {
		fmt.Fprintln(w, "No tunnels")
		return
	}
	fmt.Fprintf(w, "%-20s %-6s %-6s %-40s %s\n", "NAME", "PROTO", "PORT", "ADDRESS", "STATUS")
	for _, t := range tunnels {
		fmt.Fprintf(w, "%-20s %-6s %-6d %-40s %s\n", t.Name, t.Proto, t.Port, dash(t.Address), dash(t.Status))
	}
}

func printHistory(w io.Writer, entries []store.HistoryEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-8s %s\n", e.At.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Detail)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration renders d as a short human string, e.g. "2h5m".
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		d = d.Round(time.Minute)
	} else {
		d = d.Round(time.Second)
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
