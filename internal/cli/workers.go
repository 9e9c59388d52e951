package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/control"
	"github.com/BlakeLiAFK/kelemesh/internal/tui"
)

func newWorkersCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "查看 Worker 状态",
		Long:  "列出 Master 注册表中的 Worker；--watch 进入实时刷新视图。",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				fetch := snapshotFetcher(c)
				if watch {
					return tui.NewWatch(fetch, interval).Run(ctx)
				}
				snap, err := fetch(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(snap)
				}
				fmt.Print(tui.RenderWorkers(snap))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "实时刷新")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "--watch 刷新间隔")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")

	cmd.AddCommand(newWorkersAddCmd(), newWorkersRmCmd())
	return cmd
}

// snapshotFetcher 通过控制面拉取注册表与延迟统计
func snapshotFetcher(c *control.Client) tui.Fetcher {
	return func(ctx context.Context) (*tui.Snapshot, error) {
		list, err := c.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		snap := &tui.Snapshot{Workers: list.Workers, Summary: list.Summary}
		if st, err := c.Stats(ctx, 0); err == nil {
			snap.Metrics = st.Metrics
		}
		return snap, nil
	}
}

func newWorkersAddCmd() *cobra.Command {
	var (
		caps      []string
		noPersist bool
	)
	cmd := &cobra.Command{
		Use:   "add <id@host:port>",
		Short: "注册 Worker（默认同时持久化）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := config.ParseWorkerEndpoint(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				w, err := c.AddWorker(ctx, &control.AddWorkerRequest{
					ID:           ep.ID,
					Host:         ep.Host,
					Port:         ep.Port,
					Capabilities: caps,
					Persist:      !noPersist,
				})
				if err != nil {
					return err
				}
				fmt.Printf("已添加 %s (%s): %s\n", w.ID, w.Addr(), w.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "Worker 能力标签")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "只注册到当前 Master，不写入设置库")
	return cmd
}

func newWorkersRmCmd() *cobra.Command {
	var noPersist bool
	cmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "移除 Worker",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cfg *config.Config, c *control.Client) error {
				if err := c.RemoveWorker(ctx, args[0], !noPersist); err != nil {
					return err
				}
				fmt.Printf("已移除 %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "保留设置库中的记录")
	return cmd
}
