package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/control"
	"github.com/BlakeLiAFK/kelemesh/internal/tui"
)

// printJSON 以缩进 JSON 输出
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd() *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <request...>",
		Short: "提交请求：本地执行或分发到 Worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.Join(args, " ")
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				res, err := c.Submit(ctx, request, int(timeout/time.Second))
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(res)
				}
				fmt.Print(tui.RenderSubmit(res))
				if !res.Success {
					return fmt.Errorf("请求未全部成功")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "每个子任务的超时（默认使用 master.task_timeout）")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <request...>",
		Short: "只规划不执行",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.Join(args, " ")
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				plan, err := c.Plan(ctx, request)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(plan)
				}
				fmt.Print(tui.RenderPlan(plan))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "取消正在 Worker 上运行的子任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				resp, err := c.CancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				if !resp.Cancelled {
					return fmt.Errorf("worker %s 拒绝取消 %s", resp.WorkerID, resp.TaskID)
				}
				fmt.Printf("已取消 %s (worker: %s)\n", resp.TaskID, resp.WorkerID)
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	var (
		recent int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "查看分发统计",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				st, err := c.Stats(ctx, recent)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(st)
				}
				printStats(st)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "显示最近的分发记录条数")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	return cmd
}

func printStats(st *control.StatsResponse) {
	fmt.Printf("kelemesh v%s, uptime %s\n", st.Version, st.Uptime.Round(time.Second))
	fmt.Printf("Workers: %d total, %d idle, %d busy, %d offline\n",
		st.Workers.Total, st.Workers.Idle, st.Workers.Busy, st.Workers.Offline)
	if st.Monitor && !st.LastScan.IsZero() {
		fmt.Printf("Health:  last scan %s\n", st.LastScan.Format("15:04:05"))
	}

	if m := st.Metrics; m != nil {
		fmt.Printf("\nDispatches: %d (%d succeeded)\n", m.Dispatches, m.Succeeded)
		kinds := make([]string, 0, len(m.Failures))
		for k, n := range m.Failures {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		if len(kinds) > 0 {
			fmt.Printf("Failures:   %s\n", strings.Join(kinds, " "))
		}
		if m.All.Count > 0 {
			fmt.Printf("Latency:    mean %.0fms p50 %dms p90 %dms p99 %dms max %dms\n",
				m.All.Mean, m.All.P50, m.All.P90, m.All.P99, m.All.Max)
		}
		for _, id := range m.WorkerIDs() {
			l := m.Workers[id]
			fmt.Printf("  %-14s n=%d p50 %dms p99 %dms\n", id, l.Count, l.P50, l.P99)
		}
	}

	if a := st.Audit; a != nil {
		fmt.Printf("\nAudit: %d recorded, %d succeeded\n", a.Total, a.Succeeded)
	}
	for _, d := range st.Recent {
		mark := "✓"
		if d.Status != "completed" {
			mark = "✗"
		}
		worker := d.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Printf("  %s %s %-10s %6dms %s\n", mark, d.RecordedAt.Format("01-02 15:04:05"), worker, d.ElapsedMS, d.TaskID)
	}
}
