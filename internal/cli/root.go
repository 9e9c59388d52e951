package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/control"
	"github.com/BlakeLiAFK/kelemesh/internal/logger"
)

var (
	cfgModel  string
	cfgDebug  bool
	cfgPath   string
	cfgSocket string
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kelemesh",
		Short: "kelemesh - Master/Worker 任务分发",
		Long:  "kelemesh 把自然语言请求分类后在 Master 本地执行，或拆分为子任务分发到空闲 Worker。",
		// Silence usage on errors to keep output clean
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgModel, "model", "", "覆盖 LLM 模型")
	rootCmd.PersistentFlags().BoolVar(&cfgDebug, "debug", false, "启用调试模式")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML 配置文件路径")
	rootCmd.PersistentFlags().StringVar(&cfgSocket, "socket", "", "Master 控制 socket 路径")

	rootCmd.AddCommand(newMasterCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newWorkersCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	err := NewRootCmd().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 解析配置并应用全局参数
func loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyFlags(cfgModel, cfgDebug, cfgPath)
	if cfgSocket != "" {
		cfg.Master.Socket = cfgSocket
	}
	return cfg, nil
}

// initLogger 按配置初始化全局日志
func initLogger(cfg *config.Config) *zap.Logger {
	logger.Init(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	return logger.L()
}

// connect 连接正在运行的 Master 并确认其可用
func connect(cfg *config.Config) (*control.Client, error) {
	client, err := control.Dial(cfg.Master.Socket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("master 未运行 (%s): %w", cfg.Master.Socket, err)
	}
	return client, nil
}

// withClient 加载配置、连接 Master 后执行 fn
func withClient(fn func(ctx context.Context, cfg *config.Config, c *control.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(context.Background(), cfg, client)
}
