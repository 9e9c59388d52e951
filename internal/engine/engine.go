// Package engine runs a task description against an LLM with a bound tool set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/llm"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
)

// Result 一次执行的产出
type Result struct {
	Output    string
	ToolCalls int
	Rounds    int
}

// Engine 执行引擎
type Engine interface {
	Run(ctx context.Context, description string, ts *tools.Toolset) (Result, error)
}

// Func 把普通函数适配为 Engine
type Func func(ctx context.Context, description string, ts *tools.Toolset) (Result, error)

// Run implements Engine.
func (f Func) Run(ctx context.Context, description string, ts *tools.Toolset) (Result, error) {
	return f(ctx, description, ts)
}

// ErrEmptyResponse 模型没有返回任何候选
var ErrEmptyResponse = errors.New("engine: empty model response")

// Role 决定系统提示词
type Role int

const (
	RoleWorker Role = iota
	RoleMaster
)

// LLMEngine 基于工具调用循环的引擎，每次 Run 都从零开始，不保留上下文
type LLMEngine struct {
	chat      llm.Chatter
	role      Role
	maxRounds int
	maxOutput int
	log       *zap.Logger
}

// Options LLMEngine 参数
type Options struct {
	Role          Role
	MaxToolRounds int
	MaxOutputSize int
	Logger        *zap.Logger
}

// New 创建引擎
func New(chat llm.Chatter, opts Options) *LLMEngine {
	e := &LLMEngine{
		chat:      chat,
		role:      opts.Role,
		maxRounds: opts.MaxToolRounds,
		maxOutput: opts.MaxOutputSize,
		log:       opts.Logger,
	}
	if e.maxRounds <= 0 {
		e.maxRounds = 10
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Run 执行任务：模型 -> 工具 -> 模型，直到模型不再调用工具或达到最大轮数
func (e *LLMEngine) Run(ctx context.Context, description string, ts *tools.Toolset) (Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: BuildPrompt(e.role, ts.Names(), ts.WorkDir())},
		{Role: "user", Content: description},
	}
	defs := ts.Definitions()

	var res Result
	var lastContent string
	for round := 0; round < e.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Rounds = round + 1

		resp, err := e.chat.Chat(ctx, messages, defs)
		if err != nil {
			return res, fmt.Errorf("engine: round %d: %w", round+1, err)
		}
		msg := resp.First()
		if msg == nil {
			return res, ErrEmptyResponse
		}
		if msg.Content != "" {
			lastContent = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			res.Output = finalOutput(lastContent)
			res.ToolCalls = ts.Calls()
			return res, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		for _, tc := range msg.ToolCalls {
			out, err := ts.Call(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				out = fmt.Sprintf("Error: %v", err)
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    compressOutput(out, e.maxOutput),
				ToolCallID: tc.ID,
			})
		}
	}

	e.log.Debug("max tool rounds reached", zap.Int("rounds", e.maxRounds))
	res.Output = finalOutput(lastContent)
	res.ToolCalls = ts.Calls()
	return res, nil
}

func finalOutput(s string) string {
	if s == "" {
		return "Task completed"
	}
	return s
}

// compressOutput 截断过长输出，并省略中间部分
func compressOutput(output string, maxSize int) string {
	if maxSize <= 0 {
		maxSize = 51200
	}
	if len(output) > maxSize {
		output = output[:runeFloor(output, maxSize)] + fmt.Sprintf("\n\n... [output truncated, %d bytes total]", len(output))
	}
	const threshold = 2048
	if len(output) > threshold {
		head := runeFloor(output, threshold*3/4)
		tail := runeFloor(output, len(output)-threshold/4)
		omitted := tail - head
		output = output[:head] + fmt.Sprintf("\n\n... [%d bytes omitted] ...\n\n", omitted) + output[tail:]
	}
	return output
}

// runeFloor 把字节偏移回退到 rune 起始位置
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
