// Package notify 把派发结果推送到 Telegram
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

const (
	queueSize   = 64
	sendTimeout = 10 * time.Second
	maxMsgRunes = 3500
)

// Options 通知器参数
type Options struct {
	Token        string
	ChatID       int64
	OnlyFailures bool
	Logger       *zap.Logger
	// ServerURL 覆盖 Telegram API 地址（测试用）
	ServerURL string
}

// Telegram 异步发送派发结果，发送失败只记日志，不影响派发
type Telegram struct {
	bot          *tgbot.Bot
	chatID       int64
	onlyFailures bool
	log          *zap.Logger

	queue   chan string
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int
}

// NewTelegram 创建通知器并启动发送协程
func NewTelegram(opts Options) (*Telegram, error) {
	if opts.Token == "" || opts.ChatID == 0 {
		return nil, errors.New("notify: telegram token and chat id are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	botOpts := []tgbot.Option{tgbot.WithSkipGetMe()}
	if opts.ServerURL != "" {
		botOpts = append(botOpts, tgbot.WithServerURL(opts.ServerURL))
	}
	b, err := tgbot.New(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	t := &Telegram{
		bot:          b,
		chatID:       opts.ChatID,
		onlyFailures: opts.OnlyFailures,
		log:          opts.Logger,
		queue:        make(chan string, queueSize),
		done:         make(chan struct{}),
	}
	go t.loop()
	return t, nil
}

// ObserveDispatch 把结果排入发送队列，队列满时丢弃
func (t *Telegram) ObserveDispatch(st task.SubTask, out task.Outcome) {
	if out.Success && t.onlyFailures {
		return
	}
	t.enqueue(FormatOutcome(st, out))
}

// Send 排入一条任意文本
func (t *Telegram) Send(text string) {
	t.enqueue(text)
}

func (t *Telegram) enqueue(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- text:
	default:
		t.dropped++
		t.log.Warn("notify queue full, message dropped", zap.Int("dropped", t.dropped))
	}
}

func (t *Telegram) loop() {
	defer close(t.done)
	for text := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err := t.bot.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: t.chatID,
			Text:   text,
		})
		cancel()
		if err != nil {
			t.log.Warn("telegram send failed", zap.Error(err))
		}
	}
}

// Close 发送完队列中的消息后返回，或在 ctx 结束时放弃
func (t *Telegram) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatOutcome 生成一条纯文本通知
func FormatOutcome(st task.SubTask, out task.Outcome) string {
	var sb strings.Builder
	if out.Success {
		sb.WriteString("✅ task completed")
	} else {
		fmt.Fprintf(&sb, "❌ task failed (%s)", out.Kind)
	}
	fmt.Fprintf(&sb, "\nid: %s", st.TaskID)
	if out.WorkerID != "" {
		fmt.Fprintf(&sb, "\nworker: %s", out.WorkerID)
	}
	fmt.Fprintf(&sb, "\nelapsed: %s", out.Elapsed.Round(time.Millisecond))
	if st.Description != "" {
		fmt.Fprintf(&sb, "\n\n%s", st.Description)
	}
	switch {
	case out.Error != "":
		fmt.Fprintf(&sb, "\n\nerror: %s", out.Error)
	case out.Data != nil && out.Data.Output != "":
		fmt.Fprintf(&sb, "\n\n%s", out.Data.Output)
	}
	return truncateRunes(sb.String(), maxMsgRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
