package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")
	os.Unsetenv("KELEMESH_WORKERS")

	cfg := Load()

	if cfg.Master.PollInterval != 2*time.Second {
		t.Errorf("默认轮询间隔应为 2s, 实际 %s", cfg.Master.PollInterval)
	}
	if cfg.Master.HealthInterval != 30*time.Second {
		t.Errorf("默认健康检查间隔应为 30s, 实际 %s", cfg.Master.HealthInterval)
	}
	if cfg.Master.TaskTimeout != 300*time.Second {
		t.Errorf("默认任务超时应为 300s, 实际 %s", cfg.Master.TaskTimeout)
	}
	if cfg.Worker.Port != DefaultWorkerPort {
		t.Errorf("默认端口应为 %d, 实际 %d", DefaultWorkerPort, cfg.Worker.Port)
	}
	if cfg.Worker.HistoryLimit != 100 {
		t.Errorf("默认历史上限应为 100, 实际 %d", cfg.Worker.HistoryLimit)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("默认模型应为 gpt-4o, 实际 %s", cfg.LLM.Model)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("默认配置应合法: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key-123")
	t.Setenv("KELEMESH_POLL_INTERVAL", "500ms")
	t.Setenv("KELEMESH_TASK_TIMEOUT", "45")
	t.Setenv("KELEMESH_WORKER_PORT", "5100")

	cfg := Load()

	if !cfg.HasLLM() {
		t.Error("设置 OPENAI_API_KEY 后 HasLLM 应为 true")
	}
	if cfg.Master.PollInterval != 500*time.Millisecond {
		t.Errorf("轮询间隔应为 500ms, 实际 %s", cfg.Master.PollInterval)
	}
	if cfg.Master.TaskTimeout != 45*time.Second {
		t.Errorf("纯数字应按秒解析, 实际 %s", cfg.Master.TaskTimeout)
	}
	if cfg.Worker.Port != 5100 {
		t.Errorf("端口应为 5100, 实际 %d", cfg.Worker.Port)
	}
}

func TestLegacyWorkerEnv(t *testing.T) {
	t.Setenv("WORKER_1_IP", "10.0.0.1")
	t.Setenv("WORKER_2_IP", "${WORKER_2_IP}")
	t.Setenv("WORKER_3_IP", "10.0.0.3")
	t.Setenv("KELEMESH_WORKERS", "gpu@10.0.0.9:6000")

	cfg := Load()
	ws := cfg.Master.Workers
	if len(ws) != 3 {
		t.Fatalf("应有 3 个 worker, 实际 %d: %+v", len(ws), ws)
	}
	if ws[0].ID != "worker-1" || ws[0].Port != DefaultWorkerPort {
		t.Errorf("worker-1 解析错误: %+v", ws[0])
	}
	if ws[1].ID != "worker-3" {
		t.Errorf("未展开的占位符应被忽略: %+v", ws[1])
	}
	if ws[2].ID != "gpu" || ws[2].Port != 6000 {
		t.Errorf("KELEMESH_WORKERS 解析错误: %+v", ws[2])
	}
}

func TestParseWorkerEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    WorkerEndpoint
		wantErr bool
	}{
		{"10.0.0.1", WorkerEndpoint{ID: "10.0.0.1", Host: "10.0.0.1", Port: 5000}, false},
		{"w1@pi.local:5001", WorkerEndpoint{ID: "w1", Host: "pi.local", Port: 5001}, false},
		{"w1@:5001", WorkerEndpoint{}, true},
		{"w1@host:abc", WorkerEndpoint{}, true},
		{"", WorkerEndpoint{}, true},
	}
	for _, tt := range tests {
		got, err := ParseWorkerEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWorkerEndpoint(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && (got.ID != tt.want.ID || got.Host != tt.want.Host || got.Port != tt.want.Port) {
			t.Errorf("ParseWorkerEndpoint(%q) = %+v, 期望 %+v", tt.in, got, tt.want)
		}
	}
}

func TestIsDangerous(t *testing.T) {
	cfg := Load()

	tests := []struct {
		cmd      string
		expected bool
	}{
		{"ls -la", false},
		{"rm -rf /", true},
		{"RM -RF ~", true},
		{"dd if=/dev/zero", true},
		{"mkfs.ext4 /dev/sda", true},
		{"echo hello", false},
	}

	for _, tt := range tests {
		if got := cfg.IsDangerous(tt.cmd); got != tt.expected {
			t.Errorf("IsDangerous(%q) = %v, 期望 %v", tt.cmd, got, tt.expected)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Load()
	cfg.ApplyFlags("custom-model", true, "/tmp/test.yaml")

	if cfg.LLM.Model != "custom-model" {
		t.Errorf("ApplyFlags 应覆盖模型为 custom-model, 实际 %s", cfg.LLM.Model)
	}
	if !cfg.Debug || cfg.Log.Level != "debug" {
		t.Error("ApplyFlags 应开启调试日志")
	}
	if cfg.ConfigPath != "/tmp/test.yaml" {
		t.Errorf("ConfigPath 应为 /tmp/test.yaml, 实际 %s", cfg.ConfigPath)
	}
}

func TestValidateRejectsDuplicateWorkers(t *testing.T) {
	cfg := Load()
	cfg.Master.Workers = []WorkerEndpoint{
		{ID: "a", Host: "h1", Port: 1},
		{ID: "a", Host: "h2", Port: 2},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("重复 worker id 应报错")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	t.Setenv("WORKER_1_IP", "10.0.0.1")
	path := filepath.Join(t.TempDir(), "kelemesh.yaml")
	content := `
master:
  poll_interval: 250ms
  workers:
    - id: pi
      host: 192.168.1.20
      capabilities: [gpio, camera]
    - id: worker-1
      host: 10.9.9.9
      port: 5005
llm:
  model: local-model
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Master.PollInterval != 250*time.Millisecond {
		t.Errorf("poll_interval 未覆盖: %s", cfg.Master.PollInterval)
	}
	if cfg.Master.HealthInterval != 30*time.Second {
		t.Errorf("未出现的字段应保持默认: %s", cfg.Master.HealthInterval)
	}
	if cfg.LLM.Model != "local-model" {
		t.Errorf("model 未覆盖: %s", cfg.LLM.Model)
	}
	ws := cfg.Master.Workers
	if len(ws) != 2 {
		t.Fatalf("应有 2 个 worker, 实际 %+v", ws)
	}
	if ws[0].ID != "pi" || ws[0].Port != DefaultWorkerPort || len(ws[0].Capabilities) != 2 {
		t.Errorf("pi 解析错误: %+v", ws[0])
	}
	if ws[1].Host != "10.9.9.9" {
		t.Errorf("重复 id 应以文件为准: %+v", ws[1])
	}
}

func TestLoadFileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("master: [unterminated"), 0644)
	if err := LoadFile(Load(), path); err == nil {
		t.Error("非法 YAML 应报错")
	}
}
