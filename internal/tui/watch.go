package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Fetcher 拉取一次集群状态
type Fetcher func(ctx context.Context) (*Snapshot, error)

// snapshotMsg 拉取结果
type snapshotMsg struct {
	snap *Snapshot
	err  error
	at   time.Time
}

// refreshMsg 触发下一次拉取
type refreshMsg struct{}

// Watch workers --watch 的实时视图
type Watch struct {
	fetch    Fetcher
	interval time.Duration
	timeout  time.Duration

	table   table.Model
	spinner spinner.Model

	snap     *Snapshot
	err      error
	updated  time.Time
	loading  bool
	width    int
	quitting bool
}

// NewWatch 创建实时视图，interval 为刷新间隔
func NewWatch(fetch Fetcher, interval time.Duration) *Watch {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	return &Watch{
		fetch:    fetch,
		interval: interval,
		timeout:  5 * time.Second,
		table:    t,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		loading:  true,
	}
}

// Run 在全屏模式下运行，直到用户退出或 ctx 结束
func (w *Watch) Run(ctx context.Context) error {
	p := tea.NewProgram(w, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.fetchCmd())
}

func (w *Watch) fetchCmd() tea.Cmd {
	fetch, timeout := w.fetch, w.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := fetch(ctx)
		return snapshotMsg{snap: snap, err: err, at: time.Now()}
	}
}

func (w *Watch) scheduleRefresh() tea.Cmd {
	return tea.Tick(w.interval, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			w.quitting = true
			return w, tea.Quit
		case "r":
			if w.loading {
				return w, nil
			}
			w.loading = true
			return w, w.fetchCmd()
		}

	case tea.WindowSizeMsg:
		w.width = msg.Width
		h := msg.Height - 6
		if h < 3 {
			h = 3
		}
		w.table.SetHeight(h)
		w.table.SetWidth(msg.Width)
		return w, nil

	case snapshotMsg:
		w.loading = false
		w.err = msg.err
		if msg.err == nil {
			w.snap = msg.snap
			w.updated = msg.at
			w.table.SetRows(rows(msg.snap, msg.at))
		}
		return w, w.scheduleRefresh()

	case refreshMsg:
		if w.quitting {
			return w, nil
		}
		w.loading = true
		return w, w.fetchCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}

	var cmd tea.Cmd
	w.table, cmd = w.table.Update(msg)
	return w, cmd
}

func (w *Watch) View() string {
	if w.quitting {
		return ""
	}
	title := titleStyle.Render("kelemesh workers")
	state := ""
	if w.loading {
		state = w.spinner.View() + " refreshing"
	} else if !w.updated.IsZero() {
		state = "updated " + w.updated.Format("15:04:05")
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, " ", state)

	parts := []string{header, w.table.View()}
	if w.snap != nil {
		parts = append(parts, renderSummary(w.snap.Summary))
	}
	if w.err != nil {
		parts = append(parts, errorStyle.Render("error: "+w.err.Error()))
	}
	parts = append(parts, helpStyle.Render("↑/↓ select · r refresh · q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
