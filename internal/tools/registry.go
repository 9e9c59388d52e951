package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/llm"
)

// Tool 绑定到单个任务工作目录的工具实例
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Env 构建工具时的上下文
type Env struct {
	WorkDir string
	Config  config.ToolsConfig
}

// Factory 为一个任务构建工具实例
type Factory func(env Env) (Tool, error)

// ErrUnknownTool 工具不在当前工具集中
var ErrUnknownTool = errors.New("unknown tool")

// Registry 技能注册表：技能名 -> 一组工具工厂
type Registry struct {
	mu     sync.RWMutex
	skills map[string][]Factory
	order  []string // 保持注册顺序
	cfg    config.ToolsConfig
	log    *zap.Logger
}

// NewRegistry 创建空注册表
func NewRegistry(cfg config.ToolsConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		skills: make(map[string][]Factory),
		cfg:    cfg,
		log:    log,
	}
}

// Register 为技能追加一个工具工厂
func (r *Registry) Register(skill string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[skill]; !exists {
		r.order = append(r.order, skill)
	}
	r.skills[skill] = append(r.skills[skill], f)
}

// Skills 列出所有已注册技能名
func (r *Registry) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Has 检查技能是否已注册
func (r *Registry) Has(skill string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[skill]
	return ok
}

// Subset 为请求的技能构建绑定到 workDir 的工具集。
// 未注册的技能被跳过并记录在 Toolset.Missing；工厂失败则整体失败。
func (r *Registry) Subset(skills []string, workDir string) (*Toolset, error) {
	if workDir == "" {
		return nil, fmt.Errorf("tools: empty work dir")
	}
	if fi, err := os.Stat(workDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("tools: work dir %s unusable: %v", workDir, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := &Toolset{
		tools:   make(map[string]Tool),
		workDir: workDir,
		log:     r.log,
	}
	env := Env{WorkDir: workDir, Config: r.cfg}
	seen := make(map[string]bool)
	for _, skill := range skills {
		if seen[skill] {
			continue
		}
		seen[skill] = true

		factories, ok := r.skills[skill]
		if !ok {
			ts.missing = append(ts.missing, skill)
			continue
		}
		for _, f := range factories {
			tool, err := f(env)
			if err != nil {
				return nil, fmt.Errorf("tools: build skill %s: %w", skill, err)
			}
			if _, dup := ts.tools[tool.Name()]; dup {
				continue
			}
			ts.tools[tool.Name()] = tool
			ts.order = append(ts.order, tool.Name())
		}
	}
	return ts, nil
}

// All 构建包含全部技能的工具集
func (r *Registry) All(workDir string) (*Toolset, error) {
	return r.Subset(r.Skills(), workDir)
}

// Toolset 一个任务可用的工具集合，只在该任务生命周期内存在
type Toolset struct {
	tools   map[string]Tool
	order   []string
	missing []string
	workDir string
	calls   atomic.Int64
	log     *zap.Logger
}

// Definitions 获取所有工具的 LLM 定义
func (s *Toolset) Definitions() []llm.Tool {
	if s == nil {
		return nil
	}
	var defs []llm.Tool
	for _, name := range s.order {
		t := s.tools[name]
		defs = append(defs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Names 工具名（注册顺序）
func (s *Toolset) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Missing 请求了但未注册的技能
func (s *Toolset) Missing() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.missing...)
}

// WorkDir 工具集绑定的目录
func (s *Toolset) WorkDir() string {
	if s == nil {
		return ""
	}
	return s.workDir
}

// Calls 已执行的工具调用次数
func (s *Toolset) Calls() int {
	if s == nil {
		return 0
	}
	return int(s.calls.Load())
}

// Call 以 JSON 参数执行一个工具
func (s *Toolset) Call(ctx context.Context, name, rawArgs string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	t, ok := s.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := map[string]interface{}{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("解析参数失败: %v", err)
		}
	}

	s.calls.Add(1)
	start := time.Now()
	out, err := t.Execute(ctx, args)
	s.log.Debug("tool call",
		zap.String("tool", name),
		zap.String("args", summarize(rawArgs, 200)),
		zap.Int("output_bytes", len(out)),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return out, err
}

func summarize(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// DefaultRegistry 注册内置技能
func DefaultRegistry(cfg config.ToolsConfig, log *zap.Logger) *Registry {
	r := NewRegistry(cfg, log)
	r.Register("web_fetch", func(env Env) (Tool, error) { return NewWebFetchTool(env.Config.MaxOutputSize), nil })
	r.Register("web_fetch", func(env Env) (Tool, error) { return NewHTTPTool(env.Config.MaxOutputSize), nil })
	r.Register("file_ops", func(env Env) (Tool, error) { return NewReadFileTool(env) })
	r.Register("file_ops", func(env Env) (Tool, error) { return NewWriteFileTool(env) })
	r.Register("file_ops", func(env Env) (Tool, error) { return NewListDirTool(env) })
	r.Register("shell_exec", func(env Env) (Tool, error) { return NewShellTool(env), nil })
	r.Register("system", func(env Env) (Tool, error) { return NewSystemTool(), nil })
	r.Register("weather", func(env Env) (Tool, error) { return NewWeatherTool(""), nil })
	return r
}
