package planner

import (
	"context"
	"fmt"

	"github.com/BlakeLiAFK/kelemesh/internal/llm"
)

// Classifier returns a free-text verdict for a request. The planner looks
// for SIMPLE or COMPLEX in the answer.
type Classifier interface {
	Classify(ctx context.Context, request string) (string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, request string) (string, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, request string) (string, error) {
	return f(ctx, request)
}

const classifyPrompt = `Analyze this task and determine its complexity:

Task: %s

Classify as one of:
1. SIMPLE - Can be handled locally (file operations, simple queries, status checks)
2. MODERATE - Could go either way (code writing, moderate computation)
3. COMPLEX - Should delegate to worker (network tasks, hardware access, heavy compute)

Respond with ONLY the classification word: SIMPLE, MODERATE, or COMPLEX.`

// LLMClassifier asks a chat model for the classification in one call.
type LLMClassifier struct {
	chat llm.Chatter
}

// NewLLMClassifier wraps a chat client.
func NewLLMClassifier(chat llm.Chatter) *LLMClassifier {
	return &LLMClassifier{chat: chat}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, request string) (string, error) {
	resp, err := c.chat.Chat(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(classifyPrompt, request)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	msg := resp.First()
	if msg == nil {
		return "", fmt.Errorf("classify: empty response")
	}
	return msg.Content, nil
}
