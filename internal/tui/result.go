package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okMark     = idleStyle.Render("✓")
	failMark   = offlineStyle.Render("✗")
)

// RenderPlan 渲染任务规划
func RenderPlan(p *planner.TaskPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s → %s\n", labelStyle.Render("plan"), p.Complexity, p.Locality)
	if p.Reasoning != "" {
		fmt.Fprintf(&b, "  %s\n", dimStyle.Render(p.Reasoning))
	}
	if len(p.RequiredSkills) > 0 {
		fmt.Fprintf(&b, "  skills: %s\n", strings.Join(p.RequiredSkills, ", "))
	}
	for i, st := range p.SubTasks {
		fmt.Fprintf(&b, "  %d. [%s] %s\n", i+1, st.TaskID, st.Description)
	}
	return b.String()
}

// RenderSubmit 渲染一次请求的执行结果
func RenderSubmit(res *master.SubmitResult) string {
	var b strings.Builder
	b.WriteString(RenderPlan(&res.Plan))

	if res.Local != nil {
		mark := okMark
		if res.Local.Error != "" {
			mark = failMark
		}
		fmt.Fprintf(&b, "%s %s local (%s, %d tool calls)\n", mark, labelStyle.Render("result"),
			res.Local.Elapsed.Round(time.Millisecond), res.Local.ToolCalls)
		if res.Local.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", res.Local.Error)
		} else {
			fmt.Fprintf(&b, "%s\n", res.Local.Output)
		}
		return b.String()
	}

	for _, o := range res.Outcomes {
		worker := o.WorkerID
		if worker == "" {
			worker = "-"
		}
		if o.Success {
			calls := 0
			if o.Data != nil {
				calls = o.Data.ToolCalls
			}
			fmt.Fprintf(&b, "%s %s on %s (%s, %d tool calls)\n", okMark, o.TaskID, worker,
				o.Elapsed.Round(time.Millisecond), calls)
			if o.Data != nil && o.Data.Output != "" {
				fmt.Fprintf(&b, "%s\n", o.Data.Output)
			}
			continue
		}
		fmt.Fprintf(&b, "%s %s on %s [%s] %s\n", failMark, o.TaskID, worker, o.Kind, o.Error)
	}
	return b.String()
}
