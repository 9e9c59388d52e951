package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/llm"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
	"github.com/BlakeLiAFK/kelemesh/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var (
		id   string
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "前台运行 Worker",
		Long:  "Worker 通过 HTTP 接收任务，每次只执行一个，在临时目录中用所需技能构建工具集，结束后销毁。",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if id != "" {
				cfg.Worker.ID = id
			}
			if host != "" {
				cfg.Worker.Host = host
			}
			if port != 0 {
				cfg.Worker.Port = port
			}
			return runWorker(cfg)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Worker ID（默认主机名）")
	cmd.Flags().StringVar(&host, "host", "", "监听地址")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "监听端口")
	return cmd
}

// runWorker 前台运行 Worker 直到收到 SIGINT/SIGTERM
func runWorker(cfg *config.Config) error {
	log := initLogger(cfg).Named("worker")
	if !cfg.HasLLM() {
		return errors.New("worker 需要 LLM：请设置 OPENAI_API_KEY 或 config set llm.api_key")
	}

	scratch, err := worker.OpenScratch(cfg.Worker.ScratchRoot, cfg.Worker.ID)
	if err != nil {
		return err
	}
	defer scratch.Close()

	chat := llm.NewClient(cfg.LLM, llm.WithLogger(log.Named("llm")))
	eng := engine.New(chat, engine.Options{
		Role:          engine.RoleWorker,
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		MaxOutputSize: cfg.Tools.MaxOutputSize,
		Logger:        log.Named("engine"),
	})
	exec := worker.NewExecutor(tools.DefaultRegistry(cfg.Tools, log.Named("tools")), eng, scratch, worker.Options{
		WorkerID:     cfg.Worker.ID,
		HistoryLimit: cfg.Worker.HistoryLimit,
		Logger:       log,
	})
	srv := worker.NewServer(exec, worker.ServerOptions{
		Debug:  cfg.Debug,
		Host:   worker.SampleHost,
		Logger: log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	addr := net.JoinHostPort(cfg.Worker.Host, strconv.Itoa(cfg.Worker.Port))
	fmt.Printf("Worker %s 已启动 (PID: %d, addr: %s, scratch: %s)\n", cfg.Worker.ID, os.Getpid(), addr, scratch.Root())
	if err := srv.Listen(addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
