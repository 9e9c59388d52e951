// Package tui 渲染集群 Worker 状态：静态表格与 workers --watch 实时视图
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/metrics"
)

// Snapshot 一次拉取到的集群状态
type Snapshot struct {
	Workers []master.Worker
	Summary master.Summary
	Metrics *metrics.Snapshot
}

var columns = []table.Column{
	{Title: "WORKER", Width: 14},
	{Title: "ADDRESS", Width: 22},
	{Title: "STATUS", Width: 8},
	{Title: "TASK", Width: 14},
	{Title: "HEARTBEAT", Width: 10},
	{Title: "P50", Width: 8},
	{Title: "P99", Width: 8},
}

// rows 把快照转成表格行
func rows(s *Snapshot, now time.Time) []table.Row {
	if s == nil {
		return nil
	}
	out := make([]table.Row, 0, len(s.Workers))
	for _, w := range s.Workers {
		p50, p99 := "-", "-"
		if s.Metrics != nil {
			if l, ok := s.Metrics.Workers[w.ID]; ok && l.Count > 0 {
				p50 = fmt.Sprintf("%dms", l.P50)
				p99 = fmt.Sprintf("%dms", l.P99)
			}
		}
		taskID := w.CurrentTask
		if taskID == "" {
			taskID = "-"
		}
		out = append(out, table.Row{w.ID, w.Addr(), string(w.Status), taskID, ago(w.LastHeartbeat, now), p50, p99})
	}
	return out
}

// ago 距今时长，未探测过显示 never
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

// renderSummary 渲染状态计数行
func renderSummary(s master.Summary) string {
	return fmt.Sprintf("%d workers  %s  %s  %s",
		s.Total,
		idleStyle.Render(fmt.Sprintf("%d idle", s.Idle)),
		busyStyle.Render(fmt.Sprintf("%d busy", s.Busy)),
		offlineStyle.Render(fmt.Sprintf("%d offline", s.Offline)))
}

// RenderWorkers 渲染一次性的 Worker 列表（workers 命令）
func RenderWorkers(s *Snapshot) string {
	if s == nil || len(s.Workers) == 0 {
		return "No workers registered.\n"
	}
	now := time.Now()
	var b strings.Builder
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = lipgloss.NewStyle().Bold(true).Width(c.Width).Render(c.Title)
	}
	lines := []string{strings.Join(header, " ")}
	for i, r := range rows(s, now) {
		cells := make([]string, len(r))
		for j, v := range r {
			st := lipgloss.NewStyle().Width(columns[j].Width).MaxWidth(columns[j].Width)
			if j == 2 {
				st = st.Inherit(statusStyle(s.Workers[i].Status))
			}
			cells[j] = st.Render(v)
		}
		lines = append(lines, strings.Join(cells, " "))
	}
	b.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")
	b.WriteString(renderSummary(s.Summary))
	b.WriteString("\n")
	return b.String()
}
