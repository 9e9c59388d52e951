package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version 当前版本号
const Version = "0.1.0"

// DefaultWorkerPort 默认 Worker 端口
const DefaultWorkerPort = 5000

// Config 全局配置
type Config struct {
	Master MasterConfig `yaml:"master"`
	Worker WorkerConfig `yaml:"worker"`
	LLM    LLMConfig    `yaml:"llm"`
	Tools  ToolsConfig  `yaml:"tools"`
	Log    LogConfig    `yaml:"log"`
	Notify NotifyConfig `yaml:"notify"`

	Debug      bool   `yaml:"-"`
	ConfigPath string `yaml:"-"`
}

// MasterConfig Master 节点配置
type MasterConfig struct {
	Socket         string           `yaml:"socket"`
	PollInterval   time.Duration    `yaml:"poll_interval"`
	HealthInterval time.Duration    `yaml:"health_interval"`
	ProbeTimeout   time.Duration    `yaml:"probe_timeout"`
	AssignTimeout  time.Duration    `yaml:"assign_timeout"`
	TaskTimeout    time.Duration    `yaml:"task_timeout"`
	ScratchRoot    string           `yaml:"scratch_root"`
	AuditDB        string           `yaml:"audit_db"`
	AuditRetention time.Duration    `yaml:"audit_retention"` // 0 表示永久保留
	Workers        []WorkerEndpoint `yaml:"workers"`
}

// WorkerEndpoint 一个已知 Worker 的地址
type WorkerEndpoint struct {
	ID           string   `yaml:"id"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Capabilities []string `yaml:"capabilities"`
}

// WorkerConfig Worker 节点配置
type WorkerConfig struct {
	ID           string `yaml:"id"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ScratchRoot  string `yaml:"scratch_root"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LLMConfig LLM 相关配置（OpenAI 兼容接口）
type LLMConfig struct {
	APIBase       string  `yaml:"api_base"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	MaxToolRounds int     `yaml:"max_tool_rounds"`
	Classify      bool    `yaml:"classify"` // 用 LLM 判定任务复杂度
}

// ToolsConfig 工具配置
type ToolsConfig struct {
	DangerousCommands []string `yaml:"dangerous_commands"`
	BashTimeout       int      `yaml:"bash_timeout"`    // 秒
	MaxOutputSize     int      `yaml:"max_output_size"` // 字节
	MaxWriteSize      int      `yaml:"max_write_size"`  // 字节
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  int64  `yaml:"telegram_chat"`
	OnlyFailures  bool   `yaml:"only_failures"`
}

// DefaultDangerousCommands 默认危险命令列表
var DefaultDangerousCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"dd if=",
	"mkfs",
	"> /dev/",
	":(){ :|:& };:",
}

// Load 加载配置（环境变量 > 默认值）
func Load() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	cfg := &Config{
		Master: MasterConfig{
			Socket:         getEnv("KELEMESH_SOCKET", filepath.Join(dataDir(), "master.sock")),
			PollInterval:   getEnvDuration("KELEMESH_POLL_INTERVAL", 2*time.Second),
			HealthInterval: getEnvDuration("KELEMESH_HEALTH_INTERVAL", 30*time.Second),
			ProbeTimeout:   getEnvDuration("KELEMESH_PROBE_TIMEOUT", 5*time.Second),
			AssignTimeout:  getEnvDuration("KELEMESH_ASSIGN_TIMEOUT", 10*time.Second),
			TaskTimeout:    getEnvDuration("KELEMESH_TASK_TIMEOUT", 300*time.Second),
			ScratchRoot:    getEnv("KELEMESH_MASTER_SCRATCH", os.TempDir()),
			AuditDB:        getEnv("KELEMESH_AUDIT_DB", filepath.Join(dataDir(), "audit.db")),
			AuditRetention: getEnvDuration("KELEMESH_AUDIT_RETENTION", 7*24*time.Hour),
			Workers:        envWorkers(),
		},
		Worker: WorkerConfig{
			ID:           getEnv("KELEMESH_WORKER_ID", hostname),
			Host:         getEnv("KELEMESH_WORKER_HOST", "0.0.0.0"),
			Port:         getEnvInt("KELEMESH_WORKER_PORT", DefaultWorkerPort),
			ScratchRoot:  getEnv("KELEMESH_SCRATCH_ROOT", os.TempDir()),
			HistoryLimit: getEnvInt("KELEMESH_HISTORY_LIMIT", 100),
		},
		LLM: LLMConfig{
			APIBase:       getEnv("OPENAI_API_BASE", "https://api.openai.com/v1"),
			APIKey:        os.Getenv("OPENAI_API_KEY"),
			Model:         getEnv("OPENAI_MODEL", "gpt-4o"),
			Temperature:   getEnvFloat("KELEMESH_TEMPERATURE", 0.7),
			MaxTokens:     getEnvInt("KELEMESH_MAX_TOKENS", 4096),
			MaxToolRounds: getEnvInt("KELEMESH_MAX_TOOL_ROUNDS", 10),
			Classify:      getEnvBool("KELEMESH_LLM_CLASSIFY", false),
		},
		Tools: ToolsConfig{
			DangerousCommands: DefaultDangerousCommands,
			BashTimeout:       getEnvInt("KELEMESH_BASH_TIMEOUT", 30),
			MaxOutputSize:     getEnvInt("KELEMESH_MAX_OUTPUT_SIZE", 51200),
			MaxWriteSize:      getEnvInt("KELEMESH_MAX_WRITE_SIZE", 1048576),
		},
		Log: LogConfig{
			Level:      getEnv("KELEMESH_LOG_LEVEL", "info"),
			Format:     getEnv("KELEMESH_LOG_FORMAT", "console"),
			Output:     getEnv("KELEMESH_LOG_OUTPUT", "stderr"),
			File:       os.Getenv("KELEMESH_LOG_FILE"),
			MaxSize:    getEnvInt("KELEMESH_LOG_MAX_SIZE", 50),
			MaxBackups: getEnvInt("KELEMESH_LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvInt("KELEMESH_LOG_MAX_AGE", 7),
		},
		Notify: NotifyConfig{
			TelegramToken: os.Getenv("KELEMESH_TELEGRAM_TOKEN"),
			TelegramChat:  getEnvInt64("KELEMESH_TELEGRAM_CHAT", 0),
			OnlyFailures:  getEnvBool("KELEMESH_NOTIFY_ONLY_FAILURES", true),
		},
	}

	return cfg
}

// ApplyFlags 应用 CLI 参数覆盖
func (c *Config) ApplyFlags(model string, debug bool, configPath string) {
	if model != "" {
		c.LLM.Model = model
	}
	c.Debug = debug
	if debug {
		c.Log.Level = "debug"
	}
	if configPath != "" {
		c.ConfigPath = configPath
	}
}

// IsDangerous 检查命令是否危险
func (c *Config) IsDangerous(command string) bool {
	return c.Tools.IsDangerous(command)
}

// IsDangerous 检查命令是否命中危险命令列表
func (t ToolsConfig) IsDangerous(command string) bool {
	lower := strings.ToLower(command)
	for _, d := range t.DangerousCommands {
		if strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// HasLLM 检查是否配置了 LLM
func (c *Config) HasLLM() bool {
	return c.LLM.APIKey != ""
}

// Validate 检查配置的基本合法性
func (c *Config) Validate() error {
	if c.Master.PollInterval <= 0 {
		return fmt.Errorf("master.poll_interval must be positive")
	}
	if c.Master.HealthInterval <= 0 {
		return fmt.Errorf("master.health_interval must be positive")
	}
	if c.Worker.Port <= 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port out of range: %d", c.Worker.Port)
	}
	seen := make(map[string]bool)
	for _, w := range c.Master.Workers {
		if w.ID == "" || w.Host == "" {
			return fmt.Errorf("worker entry needs id and host: %+v", w)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id: %s", w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}

// ParseWorkerEndpoint 解析 "id@host:port" 或 "host[:port]" 形式的地址
func ParseWorkerEndpoint(s string) (WorkerEndpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return WorkerEndpoint{}, fmt.Errorf("empty worker address")
	}
	var ep WorkerEndpoint
	addr := s
	if i := strings.Index(s, "@"); i >= 0 {
		ep.ID = s[:i]
		addr = s[i+1:]
	}
	ep.Host = addr
	ep.Port = DefaultWorkerPort
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		port, err := strconv.Atoi(addr[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return WorkerEndpoint{}, fmt.Errorf("invalid port in %q", s)
		}
		ep.Host = addr[:i]
		ep.Port = port
	}
	if ep.Host == "" {
		return WorkerEndpoint{}, fmt.Errorf("missing host in %q", s)
	}
	if ep.ID == "" {
		ep.ID = ep.Host
	}
	return ep, nil
}

// envWorkers 读取 KELEMESH_WORKERS 以及兼容的 WORKER_1_IP..WORKER_3_IP
func envWorkers() []WorkerEndpoint {
	var out []WorkerEndpoint
	for i := 1; i <= 3; i++ {
		ip := os.Getenv(fmt.Sprintf("WORKER_%d_IP", i))
		if ip == "" || strings.HasPrefix(ip, "${") {
			continue
		}
		out = append(out, WorkerEndpoint{ID: fmt.Sprintf("worker-%d", i), Host: ip, Port: DefaultWorkerPort})
	}
	for _, item := range strings.Split(os.Getenv("KELEMESH_WORKERS"), ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		if ep, err := ParseWorkerEndpoint(item); err == nil {
			out = append(out, ep)
		}
	}
	return out
}

func dataDir() string {
	if v := os.Getenv("KELEMESH_HOME"); v != "" {
		return v
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".kelemesh")
}

// --- 辅助函数 ---

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration 接受 Go duration 字符串或纯秒数
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
