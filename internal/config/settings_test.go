package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	t.Setenv("KELEMESH_DB_PATH", filepath.Join(t.TempDir(), "test.db"))
}

func TestSettingsRoundTrip(t *testing.T) {
	setupTestDB(t)

	if err := SetValue("master.poll_interval", "750ms"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := SetValue("worker.port", "5200"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := SetValue("no.such.key", "x"); err == nil {
		t.Error("未知 key 应报错")
	}

	v, err := GetValue("worker.port")
	if err != nil || v != "5200" {
		t.Fatalf("GetValue = %q, %v", v, err)
	}

	cfg := Load()
	ApplyToConfig(cfg)
	if cfg.Master.PollInterval != 750*time.Millisecond {
		t.Errorf("poll_interval 应被 DB 覆盖, 实际 %s", cfg.Master.PollInterval)
	}
	if cfg.Worker.Port != 5200 {
		t.Errorf("worker.port 应被 DB 覆盖, 实际 %d", cfg.Worker.Port)
	}

	if err := DeleteValue("worker.port"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetValue("worker.port"); err == nil {
		t.Error("删除后应找不到")
	}
}

func TestAllSettingsMasksSecrets(t *testing.T) {
	cfg := Load()
	cfg.LLM.APIKey = "sk-abcdefghijklmnop"
	all := AllSettings(cfg)
	if strings.Contains(all["llm.api_key"], "abcdefghijkl") {
		t.Errorf("api_key 未脱敏: %s", all["llm.api_key"])
	}
	if all["master.poll_interval"] != "2s" {
		t.Errorf("poll_interval = %s", all["master.poll_interval"])
	}
}

func TestWorkerRoster(t *testing.T) {
	setupTestDB(t)

	if err := SaveWorker(WorkerEndpoint{ID: "w1", Host: "10.0.0.1", Port: 5000, Capabilities: []string{"gpio"}}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	if err := SaveWorker(WorkerEndpoint{ID: "w2", Host: "10.0.0.2", Port: 5000}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	// 更新已有记录
	if err := SaveWorker(WorkerEndpoint{ID: "w1", Host: "10.0.0.11", Port: 5001}); err != nil {
		t.Fatalf("SaveWorker update: %v", err)
	}

	ws, err := ListSavedWorkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 2 || ws[0].ID != "w1" || ws[0].Host != "10.0.0.11" || ws[1].ID != "w2" {
		t.Fatalf("ListSavedWorkers = %+v", ws)
	}

	cfg := Load()
	cfg.Master.Workers = []WorkerEndpoint{{ID: "w2", Host: "cfg-host", Port: 1}}
	all := AllWorkers(cfg)
	if len(all) != 2 || all[0].Host != "cfg-host" || all[1].ID != "w1" {
		t.Errorf("AllWorkers = %+v", all)
	}

	if err := RemoveSavedWorker("w1"); err != nil {
		t.Fatal(err)
	}
	if err := RemoveSavedWorker("w1"); err == nil {
		t.Error("重复删除应报错")
	}
}
