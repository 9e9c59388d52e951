package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

// fakeTelegram 记录 sendMessage 请求
type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTelegram) handler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		f.mu.Lock()
		f.texts = append(f.texts, r.FormValue("text"))
		f.mu.Unlock()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
}

func (f *fakeTelegram) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func TestTelegramSendsOutcomes(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	n, err := NewTelegram(Options{Token: "123:abc", ChatID: 42, OnlyFailures: true, ServerURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}

	n.ObserveDispatch(task.SubTask{TaskID: "ok-1"}, task.Outcome{Success: true})
	n.ObserveDispatch(task.SubTask{TaskID: "bad-1", Description: "fetch page"},
		task.Outcome{Kind: task.OutcomeTimeout, WorkerID: "w1", Error: "task timed out after 5s"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	texts := fake.sent()
	if len(texts) != 1 {
		t.Fatalf("应只发送失败通知，实际 %d 条: %v", len(texts), texts)
	}
	for _, want := range []string{"bad-1", "timeout", "w1", "fetch page", "timed out"} {
		if !strings.Contains(texts[0], want) {
			t.Errorf("通知缺少 %q:\n%s", want, texts[0])
		}
	}

	// 关闭后不再入队
	n.ObserveDispatch(task.SubTask{TaskID: "late"}, task.Outcome{Kind: task.OutcomeExecution})
}

func TestNewTelegramRequiresConfig(t *testing.T) {
	if _, err := NewTelegram(Options{Token: "x"}); err == nil {
		t.Error("缺少 chat id 应报错")
	}
}

func TestFormatOutcome(t *testing.T) {
	msg := FormatOutcome(task.SubTask{TaskID: "t1"}, task.Outcome{
		Success:  true,
		WorkerID: "w2",
		Data:     &task.Result{Output: "all good"},
		Elapsed:  1500 * time.Millisecond,
	})
	for _, want := range []string{"completed", "t1", "w2", "1.5s", "all good"} {
		if !strings.Contains(msg, want) {
			t.Errorf("缺少 %q:\n%s", want, msg)
		}
	}

	long := FormatOutcome(task.SubTask{TaskID: "t"}, task.Outcome{Success: true, Data: &task.Result{Output: strings.Repeat("字", 5000)}})
	if n := len([]rune(long)); n > maxMsgRunes+3 {
		t.Errorf("未截断: %d runes", n)
	}
}
