package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/control"
	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/llm"
	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/metrics"
	"github.com/BlakeLiAFK/kelemesh/internal/notify"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
	"github.com/BlakeLiAFK/kelemesh/internal/store"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
	"github.com/BlakeLiAFK/kelemesh/internal/worker"
)

func newMasterCmd() *cobra.Command {
	var extra []string
	cmd := &cobra.Command{
		Use:   "master",
		Short: "前台运行 Master",
		Long:  "Master 维护 Worker 注册表、周期性健康检查，并通过 unix socket 接收 submit/plan/workers 等命令。",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, s := range extra {
				ep, err := config.ParseWorkerEndpoint(s)
				if err != nil {
					return err
				}
				cfg.Master.Workers = append(cfg.Master.Workers, ep)
			}
			return runMaster(cfg)
		},
	}
	cmd.Flags().StringSliceVarP(&extra, "worker", "w", nil, "额外的 Worker 地址 id@host:port（可重复）")
	return cmd
}

// configRoster 把 Worker 地址持久化到设置库
type configRoster struct{}

func (configRoster) Save(ep config.WorkerEndpoint) error { return config.SaveWorker(ep) }
func (configRoster) Remove(id string) error              { return config.RemoveSavedWorker(id) }

// masterNode Master 进程持有的全部资源
type masterNode struct {
	log      *zap.Logger
	registry *master.Registry
	monitor  *master.HealthMonitor
	hub      *master.Hub
	audit    *store.DispatchStore
	server   *control.Server
	closers  []func()
}

func (n *masterNode) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

// buildMaster 组装 Master：注册表 -> 客户端 -> 分发池与观察者 -> 健康检查 -> Hub -> 控制面
func buildMaster(cfg *config.Config, log *zap.Logger) (*masterNode, error) {
	n := &masterNode{log: log, registry: master.NewRegistry()}

	for _, ep := range config.AllWorkers(cfg) {
		if err := n.registry.Add(ep.ID, ep.Host, ep.Port, ep.Capabilities); err != nil {
			log.Warn("skip worker", zap.String("worker", ep.ID), zap.Error(err))
		}
	}

	client := master.NewWorkerClient(cfg.Master.AssignTimeout)
	rec := metrics.NewRecorder()
	observers := []master.Observer{rec}

	if cfg.Master.AuditDB != "" {
		db, err := store.Open(cfg.Master.AuditDB, log.Named("audit"))
		if err != nil {
			log.Warn("audit store disabled", zap.Error(err))
		} else {
			n.audit = db
			observers = append(observers, db)
			n.closers = append(n.closers, func() { db.Close() })
		}
	}

	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(notify.Options{
			Token:        cfg.Notify.TelegramToken,
			ChatID:       cfg.Notify.TelegramChat,
			OnlyFailures: cfg.Notify.OnlyFailures,
			Logger:       log.Named("notify"),
		})
		if err != nil {
			log.Warn("telegram notify disabled", zap.Error(err))
		} else {
			observers = append(observers, tg)
			n.closers = append(n.closers, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tg.Close(ctx)
			})
		}
	}

	pool := master.NewWorkerPool(n.registry, client, master.PoolOptions{
		PollInterval:  cfg.Master.PollInterval,
		AssignTimeout: cfg.Master.AssignTimeout,
		Logger:        log.Named("pool"),
		Observers:     observers,
	})
	n.monitor = master.NewHealthMonitor(n.registry, client, cfg.Master.HealthInterval, cfg.Master.ProbeTimeout, log.Named("health"))

	plannerOpts := []planner.Option{planner.WithLogger(log.Named("planner"))}
	hubOpts := master.HubOptions{
		Pool:        pool,
		Tools:       tools.DefaultRegistry(cfg.Tools, log.Named("tools")),
		TaskTimeout: cfg.Master.TaskTimeout,
		Logger:      log.Named("hub"),
	}
	if cfg.HasLLM() {
		chat := llm.NewClient(cfg.LLM, llm.WithLogger(log.Named("llm")))
		hubOpts.Engine = engine.New(chat, engine.Options{
			Role:          engine.RoleMaster,
			MaxToolRounds: cfg.LLM.MaxToolRounds,
			MaxOutputSize: cfg.Tools.MaxOutputSize,
			Logger:        log.Named("engine"),
		})
		if cfg.LLM.Classify {
			plannerOpts = append(plannerOpts, planner.WithClassifier(planner.NewLLMClassifier(chat)))
		}
		scratch, err := worker.OpenScratch(cfg.Master.ScratchRoot, "master")
		if err != nil {
			n.close()
			return nil, fmt.Errorf("master scratch: %w", err)
		}
		hubOpts.Scratch = scratch
		n.closers = append(n.closers, func() { scratch.Close() })
	} else {
		log.Warn("no LLM configured, local plans will fail")
	}
	hubOpts.Planner = planner.New(plannerOpts...)
	n.hub = master.NewHub(hubOpts)

	n.server = control.NewServer(control.Options{
		Hub:     n.hub,
		Monitor: n.monitor,
		Metrics: rec,
		Store:   n.audit,
		Roster:  configRoster{},
		Logger:  log.Named("control"),
	})
	return n, nil
}

// runMaster 前台运行 Master 直到收到 SIGINT/SIGTERM
func runMaster(cfg *config.Config) error {
	log := initLogger(cfg).Named("master")

	n, err := buildMaster(cfg, log)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.monitor.Start(ctx); err != nil {
		return err
	}
	defer n.monitor.Stop()

	if n.audit != nil && cfg.Master.AuditRetention > 0 {
		go n.pruneLoop(ctx, cfg.Master.AuditRetention, time.Hour)
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		n.server.Stop()
	}()

	log.Info("master starting",
		zap.String("socket", cfg.Master.Socket),
		zap.Int("workers", n.registry.Len()),
		zap.Duration("health_interval", cfg.Master.HealthInterval))
	fmt.Printf("Master 已启动 (PID: %d, socket: %s)\n", os.Getpid(), cfg.Master.Socket)

	if err := n.server.ListenUnix(cfg.Master.Socket); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("master stopped")
	return nil
}

// pruneLoop 按保留期清理审计记录，启动时先执行一次
func (n *masterNode) pruneLoop(ctx context.Context, retention, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		removed, err := n.audit.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			n.log.Warn("audit prune failed", zap.Error(err))
		} else if removed > 0 {
			n.log.Info("audit pruned", zap.Int64("rows", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
