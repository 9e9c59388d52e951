package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "管理 kelemesh 配置",
		Long:  "读取和修改 kelemesh 配置（存储在 SQLite 数据库中，覆盖环境变量与 YAML 文件）",
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "设置配置项",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetValue(key, value); err != nil {
				return fmt.Errorf("设置失败: %w", err)
			}
			fmt.Printf("%s = %s\n", key, value)
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "获取配置项",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.GetValue(args[0])
			if err != nil {
				return fmt.Errorf("获取失败: %w", err)
			}
			fmt.Println(val)
			return nil
		},
	}
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出所有配置项及当前生效值",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			all := config.AllSettings(cfg)

			// DB 中已设置的 key
			dbValues, _ := config.ListValues()

			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				v := all[k]
				if v == "" {
					v = "(未设置)"
				}
				source := ""
				if _, ok := dbValues[k]; ok {
					source = " [db]"
				}
				fmt.Printf("%-28s %s%s\n", k, v, source)
			}

			if saved, err := config.ListSavedWorkers(); err == nil && len(saved) > 0 {
				fmt.Println("\n已保存的 Worker:")
				for _, w := range saved {
					fmt.Printf("  %-14s %s:%d\n", w.ID, w.Host, w.Port)
				}
			}
			fmt.Printf("\n存储: %s\n", config.SettingsStorePath())
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "以 YAML 输出最终生效的配置（密钥脱敏）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
