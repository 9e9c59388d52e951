package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SettingsStorePath 返回配置存储路径（SQLite DB）
func SettingsStorePath() string {
	if v := os.Getenv("KELEMESH_DB_PATH"); v != "" {
		return v
	}
	return filepath.Join(dataDir(), "settings.db")
}

// openSettingsDB 打开数据库并确保 system_settings 表存在
func openSettingsDB() (*sql.DB, error) {
	dbPath := SettingsStorePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS system_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// GetValue 从 DB 获取配置值
func GetValue(key string) (string, error) {
	db, err := openSettingsDB()
	if err != nil {
		return "", err
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM system_settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("key not found: %s", key)
	}
	return value, err
}

// SetValue 设置配置值到 DB，只接受已知的 key
func SetValue(key, value string) error {
	if _, ok := settingKeys[key]; !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}
	db, err := openSettingsDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = CURRENT_TIMESTAMP
	`, key, value, value)
	return err
}

// DeleteValue 删除配置项
func DeleteValue(key string) error {
	db, err := openSettingsDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("DELETE FROM system_settings WHERE key = ?", key)
	return err
}

// ListValues 列出 DB 中的所有配置项
func ListValues() (map[string]string, error) {
	db, err := openSettingsDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return loadAllEntries(db), nil
}

// settingKeys 每个可写 key 对应的 Config 字段
var settingKeys = map[string]func(*Config) any{
	"master.poll_interval":   func(c *Config) any { return &c.Master.PollInterval },
	"master.health_interval": func(c *Config) any { return &c.Master.HealthInterval },
	"master.probe_timeout":   func(c *Config) any { return &c.Master.ProbeTimeout },
	"master.assign_timeout":  func(c *Config) any { return &c.Master.AssignTimeout },
	"master.task_timeout":    func(c *Config) any { return &c.Master.TaskTimeout },
	"master.socket":          func(c *Config) any { return &c.Master.Socket },
	"master.audit_db":        func(c *Config) any { return &c.Master.AuditDB },
	"master.audit_retention": func(c *Config) any { return &c.Master.AuditRetention },
	"worker.id":              func(c *Config) any { return &c.Worker.ID },
	"worker.port":            func(c *Config) any { return &c.Worker.Port },
	"worker.scratch_root":    func(c *Config) any { return &c.Worker.ScratchRoot },
	"worker.history_limit":   func(c *Config) any { return &c.Worker.HistoryLimit },
	"llm.api_base":           func(c *Config) any { return &c.LLM.APIBase },
	"llm.api_key":            func(c *Config) any { return &c.LLM.APIKey },
	"llm.model":              func(c *Config) any { return &c.LLM.Model },
	"llm.temperature":        func(c *Config) any { return &c.LLM.Temperature },
	"llm.max_tokens":         func(c *Config) any { return &c.LLM.MaxTokens },
	"llm.max_tool_rounds":    func(c *Config) any { return &c.LLM.MaxToolRounds },
	"llm.classify":           func(c *Config) any { return &c.LLM.Classify },
	"tools.bash_timeout":     func(c *Config) any { return &c.Tools.BashTimeout },
	"tools.max_output_size":  func(c *Config) any { return &c.Tools.MaxOutputSize },
	"tools.max_write_size":   func(c *Config) any { return &c.Tools.MaxWriteSize },
	"log.level":              func(c *Config) any { return &c.Log.Level },
	"log.file":               func(c *Config) any { return &c.Log.File },
	"notify.telegram_token":  func(c *Config) any { return &c.Notify.TelegramToken },
	"notify.telegram_chat":   func(c *Config) any { return &c.Notify.TelegramChat },
}

var secretKeys = map[string]bool{
	"llm.api_key":           true,
	"notify.telegram_token": true,
}

// ApplyToConfig 从 DB 加载配置覆盖到 Config 结构体
func ApplyToConfig(cfg *Config) {
	db, err := openSettingsDB()
	if err != nil {
		return
	}
	defer db.Close()

	applyEntries(cfg, loadAllEntries(db))
}

func applyEntries(cfg *Config, entries map[string]string) {
	for key, v := range entries {
		field, ok := settingKeys[key]
		if !ok {
			continue
		}
		switch target := field(cfg).(type) {
		case *string:
			if v != "" {
				*target = v
			}
		case *int:
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		case *int64:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*target = n
			}
		case *float64:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*target = f
			}
		case *bool:
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
			}
		case *time.Duration:
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}
}

// AllSettings 从 Config 结构体导出所有可配置项的当前生效值
func AllSettings(cfg *Config) map[string]string {
	m := make(map[string]string, len(settingKeys))
	for key, field := range settingKeys {
		var s string
		switch v := field(cfg).(type) {
		case *string:
			s = *v
		case *int:
			s = strconv.Itoa(*v)
		case *int64:
			s = strconv.FormatInt(*v, 10)
		case *float64:
			s = strconv.FormatFloat(*v, 'f', -1, 64)
		case *bool:
			s = strconv.FormatBool(*v)
		case *time.Duration:
			s = v.String()
		}
		if secretKeys[key] {
			s = maskSecret(s)
		}
		m[key] = s
	}
	return m
}

// --- 内部辅助函数 ---

func loadAllEntries(db *sql.DB) map[string]string {
	entries := make(map[string]string)
	rows, err := db.Query("SELECT key, value FROM system_settings")
	if err != nil {
		return entries
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		entries[k] = v
	}
	return entries
}

// maskSecret 敏感值脱敏，只显示前4和后4位
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	if len(s) <= 12 {
		return s[:2] + "****" + s[len(s)-2:]
	}
	return s[:4] + "****" + s[len(s)-4:]
}
