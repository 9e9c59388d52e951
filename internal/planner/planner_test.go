package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlakeLiAFK/kelemesh/internal/llm"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

func TestHeuristicExamples(t *testing.T) {
	cases := []struct {
		request string
		want    Complexity
	}{
		{"Download a file from the internet", Complex},
		{"Process all images in a folder", Complex},
		{"Read my todo list", Simple},
		{"show me the logs", Simple},
		{"What is the capital of France", Simple},
		{"write a poem about spring", Moderate},
		{"", Moderate},
		// complex indicators are checked before simple ones
		{"list the files and fetch the weather page", Complex},
		{"CHECK THE SENSOR", Complex},
	}
	for _, tc := range cases {
		t.Run(tc.request, func(t *testing.T) {
			assert.Equal(t, tc.want, Heuristic(tc.request))
		})
	}
}

func TestAnalyzeRoutes(t *testing.T) {
	p := New()

	simple := p.Analyze(context.Background(), "read file notes.txt")
	assert.Equal(t, Simple, simple.Complexity)
	assert.True(t, simple.IsLocal())
	assert.Empty(t, simple.SubTasks)

	moderate := p.Analyze(context.Background(), "write a haiku")
	assert.Equal(t, Moderate, moderate.Complexity)
	assert.Equal(t, Local, moderate.Locality)
	assert.Empty(t, moderate.SubTasks)

	complex := p.Analyze(context.Background(), "download the page, check weather and run uptime")
	assert.Equal(t, Complex, complex.Complexity)
	assert.Equal(t, Delegated, complex.Locality)
	require.Len(t, complex.SubTasks, 3)
	assert.Equal(t, "download the page", complex.SubTasks[0].Description)
	assert.Equal(t, []string{"web_fetch"}, complex.SubTasks[0].Skills)
	assert.Equal(t, "check weather", complex.SubTasks[1].Description)
	assert.Equal(t, []string{"weather"}, complex.SubTasks[1].Skills)
	assert.Equal(t, []string{"shell_exec"}, complex.SubTasks[2].Skills)
	for _, st := range complex.SubTasks {
		assert.Equal(t, task.SubTaskPending, st.Status)
		assert.NotEmpty(t, st.TaskID)
	}
	assert.Equal(t, []string{"web_fetch", "shell_exec", "weather"}, complex.RequiredSkills)
}

func TestComplexWithoutSeparatorIsOneSubTask(t *testing.T) {
	plan := New().Analyze(context.Background(), "scrape example.com")
	require.Len(t, plan.SubTasks, 1)
	assert.Equal(t, "scrape example.com", plan.SubTasks[0].Description)
}

func TestModeratePolicy(t *testing.T) {
	var seen TaskPlan
	p := New(WithModeratePolicy(func(plan TaskPlan) Locality {
		seen = plan
		return Delegated
	}))
	plan := p.Analyze(context.Background(), "compose a letter and translate it")
	assert.Equal(t, Moderate, seen.Complexity)
	assert.Equal(t, Delegated, plan.Locality)
	assert.Len(t, plan.SubTasks, 2)
}

func TestClassifierOverridesHeuristic(t *testing.T) {
	calls := 0
	p := New(WithClassifier(ClassifierFunc(func(_ context.Context, req string) (string, error) {
		calls++
		return "complex", nil
	})))
	plan := p.Analyze(context.Background(), "read file a.txt")
	assert.Equal(t, 1, calls)
	assert.Equal(t, Complex, plan.Complexity)
	assert.Equal(t, Delegated, plan.Locality)
}

func TestClassifierErrorIsModerate(t *testing.T) {
	p := New(WithClassifier(ClassifierFunc(func(context.Context, string) (string, error) {
		return "", errors.New("down")
	})))
	plan := p.Analyze(context.Background(), "download everything")
	assert.Equal(t, Moderate, plan.Complexity)
	assert.True(t, plan.IsLocal())
}

func TestParseAnswer(t *testing.T) {
	assert.Equal(t, Simple, ParseAnswer("simple"))
	assert.Equal(t, Simple, ParseAnswer("It is SIMPLE, not complex"))
	assert.Equal(t, Complex, ParseAnswer("Complex."))
	assert.Equal(t, Moderate, ParseAnswer("MODERATE"))
	assert.Equal(t, Moderate, ParseAnswer("no idea"))
}

type fakeChat struct {
	content string
	err     error
	prompt  string
}

func (f *fakeChat) Chat(_ context.Context, msgs []llm.Message, _ []llm.Tool) (*llm.ChatResponse, error) {
	f.prompt = msgs[0].Content
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Choices: []llm.Choice{{Message: llm.Message{Content: f.content}}}}, nil
}

func TestLLMClassifier(t *testing.T) {
	chat := &fakeChat{content: "COMPLEX"}
	got, err := NewLLMClassifier(chat).Classify(context.Background(), "mine bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "COMPLEX", got)
	assert.True(t, strings.Contains(chat.prompt, "Task: mine bitcoin"))

	_, err = NewLLMClassifier(&fakeChat{err: errors.New("x")}).Classify(context.Background(), "y")
	assert.Error(t, err)
}

func TestComplexityText(t *testing.T) {
	b, err := Complex.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "complex", string(b))

	var c Complexity
	require.NoError(t, c.UnmarshalText([]byte("Simple")))
	assert.Equal(t, Simple, c)
	assert.Error(t, c.UnmarshalText([]byte("huge")))
}
