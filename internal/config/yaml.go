package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv 指定 YAML 配置文件路径的环境变量
const ConfigFileEnv = "KELEMESH_CONFIG"

// LoadFile 将 YAML 文件覆盖到 cfg 上，未出现的字段保持原值。
// 文件中的 workers 排在环境变量声明的 workers 之前，重复 id 以文件为准。
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	envWorkers := cfg.Master.Workers
	cfg.Master.Workers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg.Master.Workers = envWorkers
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Master.Workers = mergeWorkers(cfg.Master.Workers, envWorkers)
	cfg.ConfigPath = path
	return nil
}

// Resolve 按 环境变量 -> YAML 文件 -> SQLite 设置 的顺序构建最终配置
func Resolve(configPath string) (*Config, error) {
	cfg := Load()
	if configPath == "" {
		configPath = os.Getenv(ConfigFileEnv)
	}
	if configPath != "" {
		if err := LoadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}
	ApplyToConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal 导出当前配置为 YAML（密钥脱敏）
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	c.LLM.APIKey = maskSecret(c.LLM.APIKey)
	c.Notify.TelegramToken = maskSecret(c.Notify.TelegramToken)
	return yaml.Marshal(&c)
}

func mergeWorkers(primary, extra []WorkerEndpoint) []WorkerEndpoint {
	seen := make(map[string]bool, len(primary))
	out := make([]WorkerEndpoint, 0, len(primary)+len(extra))
	for _, w := range primary {
		if w.Port == 0 {
			w.Port = DefaultWorkerPort
		}
		if seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		out = append(out, w)
	}
	for _, w := range extra {
		if seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		out = append(out, w)
	}
	return out
}
