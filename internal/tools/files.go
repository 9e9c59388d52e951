package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// sandbox 把路径限制在工作目录之内
type sandbox struct {
	root string
}

func newSandbox(workDir string) (sandbox, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return sandbox{}, err
	}
	return sandbox{root: abs}, nil
}

func (s sandbox) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(s.root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes scratch dir: %s", p)
	}
	return full, nil
}

// ReadFileTool 读取工作目录内的文件
type ReadFileTool struct {
	box     sandbox
	maxSize int
}

// NewReadFileTool 创建读文件工具
func NewReadFileTool(env Env) (*ReadFileTool, error) {
	box, err := newSandbox(env.WorkDir)
	if err != nil {
		return nil, err
	}
	return &ReadFileTool{box: box, maxSize: env.Config.MaxOutputSize}, nil
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the task's scratch directory." }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return pathParams("file path relative to the scratch directory")
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	p, _ := args["path"].(string)
	if p == "" {
		return "", fmt.Errorf("缺少 path 参数")
	}
	full, err := t.box.resolve(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("读取文件失败: %v", err)
	}
	return limitOutput(string(data), t.maxSize), nil
}

// WriteFileTool 在工作目录内写文件
type WriteFileTool struct {
	box     sandbox
	maxSize int
}

// NewWriteFileTool 创建写文件工具
func NewWriteFileTool(env Env) (*WriteFileTool, error) {
	box, err := newSandbox(env.WorkDir)
	if err != nil {
		return nil, err
	}
	return &WriteFileTool{box: box, maxSize: env.Config.MaxWriteSize}, nil
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the task's scratch directory."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "file path relative to the scratch directory"},
			"content": map[string]interface{}{"type": "string", "description": "file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	p, _ := args["path"].(string)
	content, ok := args["content"].(string)
	if p == "" || !ok {
		return "", fmt.Errorf("缺少 path 或 content 参数")
	}
	if t.maxSize > 0 && len(content) > t.maxSize {
		return "", fmt.Errorf("content too large: %d > %d bytes", len(content), t.maxSize)
	}
	full, err := t.box.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("创建目录失败: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入文件失败: %v", err)
	}
	return fmt.Sprintf("wrote %s (%d bytes)", p, len(content)), nil
}

// ListDirTool 列出工作目录内的目录项
type ListDirTool struct {
	box sandbox
}

// NewListDirTool 创建列目录工具
func NewListDirTool(env Env) (*ListDirTool, error) {
	box, err := newSandbox(env.WorkDir)
	if err != nil {
		return nil, err
	}
	return &ListDirTool{box: box}, nil
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List entries of a directory in the scratch directory." }

func (t *ListDirTool) Parameters() map[string]interface{} {
	return pathParams("directory relative to the scratch directory, default '.'")
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	p, _ := args["path"].(string)
	full, err := t.box.resolve(p)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("读取目录失败: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

func pathParams(desc string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": desc},
		},
	}
}
