package config

import (
	"database/sql"
	"fmt"
	"strings"
)

// ensureRosterTable 确保 workers 表存在
func ensureRosterTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// SaveWorker 持久化一个 Worker 地址，已存在时更新
func SaveWorker(ep WorkerEndpoint) error {
	if ep.ID == "" || ep.Host == "" {
		return fmt.Errorf("worker needs id and host")
	}
	db, err := openSettingsDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := ensureRosterTable(db); err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO workers (id, host, port, capabilities) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET host = excluded.host, port = excluded.port,
			capabilities = excluded.capabilities
	`, ep.ID, ep.Host, ep.Port, strings.Join(ep.Capabilities, ","))
	if err != nil {
		return fmt.Errorf("save worker %q: %w", ep.ID, err)
	}
	return nil
}

// ListSavedWorkers 按写入顺序列出持久化的 Worker
func ListSavedWorkers() ([]WorkerEndpoint, error) {
	db, err := openSettingsDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := ensureRosterTable(db); err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, host, port, capabilities FROM workers ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WorkerEndpoint
	for rows.Next() {
		var ep WorkerEndpoint
		var caps string
		if err := rows.Scan(&ep.ID, &ep.Host, &ep.Port, &caps); err != nil {
			continue
		}
		if caps != "" {
			ep.Capabilities = strings.Split(caps, ",")
		}
		result = append(result, ep)
	}
	return result, rows.Err()
}

// RemoveSavedWorker 删除持久化的 Worker
func RemoveSavedWorker(id string) error {
	db, err := openSettingsDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := ensureRosterTable(db); err != nil {
		return err
	}

	res, err := db.Exec("DELETE FROM workers WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker not saved: %s", id)
	}
	return nil
}

// AllWorkers 返回配置中的 Worker 与持久化 Worker 的合集（配置优先）
func AllWorkers(cfg *Config) []WorkerEndpoint {
	saved, _ := ListSavedWorkers()
	return mergeWorkers(cfg.Master.Workers, saved)
}
