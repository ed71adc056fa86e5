package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/status"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	headerStyle  = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	stoppedStyle = lipgloss.NewStyle().Foreground(colorError)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
)

const columnGap = 2

// table renders rows as left-aligned columns. Cells may carry styling.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(out io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(cells)-1 {
				cell = lipgloss.NewStyle().Width(widths[i] + columnGap).Render(cell)
			}
			parts[i] = cell
		}
		return strings.TrimRight(strings.Join(parts, ""), " ")
	}

	fmt.Fprintln(out, line(t.header, &headerStyle))
	for _, row := range t.rows {
		fmt.Fprintln(out, line(row, nil))
	}
}

func renderServices(out io.Writer, services []registry.ServiceDescriptor) {
	t := &table{header: []string{"ID", "NAME", "PORTS", "HEALTH", "URL"}}
	for _, svc := range services {
		t.add(svc.ID, svc.Name, joinInts(svc.Ports), orDash(svc.HealthURL), orDash(svc.URL))
	}
	t.render(out)
}

func renderStatus(out io.Writer, statuses []status.ServiceStatus) {
	t := &table{header: []string{"SERVICE", "STATE", "HEALTH", "PORTS", "PIDS", "WARNING"}}
	for _, s := range statuses {
		t.add(s.ID, stateCell(s.Running), healthCell(s.Healthy), joinInts(s.Ports), orDash(joinInts(s.PIDs)), warningCell(s.Warning))
	}
	t.render(out)
}

func renderPorts(out io.Writer, ports []status.PortStatus) {
	t := &table{header: []string{"PORT", "OWNER", "STATE", "PIDS", "WARNING"}}
	for _, p := range ports {
		t.add(strconv.Itoa(p.Port), orDash(p.Owner), stateCell(p.Running), orDash(joinInts(p.PIDs)), warningCell(p.Warning))
	}
	t.render(out)
}

func renderHealth(out io.Writer, healthMap map[string]bool) {
	ids := make([]string, 0, len(healthMap))
	for id := range healthMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := &table{header: []string{"SERVICE", "HEALTH"}}
	for _, id := range ids {
		t.add(id, healthCell(healthMap[id]))
	}
	t.render(out)
}

func renderResult(out io.Writer, result control.Result) {
	if result.Success {
		fmt.Fprintf(out, "%s %s\n", runningStyle.Render("ok"), result.Message)
	} else {
		fmt.Fprintf(out, "%s %s\n", stoppedStyle.Render("failed"), result.Message)
		if result.Error != "" && result.Error != result.Message {
			fmt.Fprintln(out, mutedStyle.Render(result.Error))
		}
	}
}

func stateCell(running bool) string {
	if running {
		return runningStyle.Render("running")
	}
	return stoppedStyle.Render("offline")
}

func healthCell(healthy bool) string {
	if healthy {
		return runningStyle.Render("healthy")
	}
	return mutedStyle.Render("unhealthy")
}

func warningCell(warning string) string {
	if warning == "" {
		return ""
	}
	return warningStyle.Render(warning)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
