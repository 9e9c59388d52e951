// Package planner classifies incoming requests and decides whether they run
// on the master or are split into subtasks for workers.
package planner

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

var complexIndicators = []string{
	"download", "fetch", "scrape", "network", "web", "http", "url",
	"sensor", "gpio", "hardware", "camera", "i2c", "spi",
	"compute", "calculate", "process", "analyze large", "batch",
	"deploy", "install", "configure system",
}

var simpleIndicators = []string{
	"read file", "write file", "list", "show", "display", "get status",
	"check", "what is", "tell me", "simple query",
}

// skillKeywords is ordered so skill lists are deterministic.
var skillKeywords = []struct {
	skill    string
	keywords []string
}{
	{"web_fetch", []string{"download", "fetch", "web", "http", "url", "scrape"}},
	{"file_ops", []string{"read", "write", "file", "directory"}},
	{"shell_exec", []string{"command", "execute", "run", "shell"}},
	{"system", []string{"system", "status", "health", "monitor"}},
	{"weather", []string{"weather", "temperature", "forecast"}},
	{"dashboard_update", []string{"dashboard", "display", "show", "update screen"}},
}

// ModeratePolicy decides where a moderate plan runs.
type ModeratePolicy func(plan TaskPlan) Locality

// AlwaysLocal is the default ModeratePolicy.
func AlwaysLocal(TaskPlan) Locality { return Local }

// Option configures a Planner.
type Option func(*Planner)

// WithClassifier makes the planner consult c; its answer overrides the heuristic.
func WithClassifier(c Classifier) Option {
	return func(p *Planner) { p.classifier = c }
}

// WithModeratePolicy overrides the routing of moderate plans.
func WithModeratePolicy(f ModeratePolicy) Option {
	return func(p *Planner) {
		if f != nil {
			p.moderate = f
		}
	}
}

// WithLogger sets the planner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.log = l
		}
	}
}

// Planner turns a request into a TaskPlan.
type Planner struct {
	classifier Classifier
	moderate   ModeratePolicy
	newID      func() string
	log        *zap.Logger
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		moderate: AlwaysLocal,
		newID:    uuid.NewString,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Analyze classifies request and builds its plan.
func (p *Planner) Analyze(ctx context.Context, request string) TaskPlan {
	c := Heuristic(request)
	if p.classifier != nil {
		c = p.classify(ctx, request)
	}
	return p.build(request, c)
}

func (p *Planner) classify(ctx context.Context, request string) Complexity {
	answer, err := p.classifier.Classify(ctx, request)
	if err != nil {
		p.log.Warn("classifier failed, treating as moderate", zap.Error(err))
		return Moderate
	}
	return ParseAnswer(answer)
}

func (p *Planner) build(request string, c Complexity) TaskPlan {
	r := policy[c]
	plan := TaskPlan{
		Request:    request,
		Complexity: c,
		Locality:   r.locality,
		Reasoning:  r.reason,
	}
	if c == Moderate {
		if loc := p.moderate(plan); loc == Delegated {
			plan.Locality = Delegated
			plan.Reasoning = "moderate task, delegated by policy"
			r.split = true
		}
	}
	if r.split {
		plan.SubTasks = p.split(request)
		plan.RequiredSkills = DetectSkills(request)
	}
	return plan
}

func (p *Planner) split(request string) []*task.SubTask {
	var subs []*task.SubTask
	for _, part := range SplitRequest(request) {
		subs = append(subs, &task.SubTask{
			TaskID:      p.newID(),
			Description: part,
			Skills:      DetectSkills(part),
			Status:      task.SubTaskPending,
		})
	}
	return subs
}

// Heuristic classifies by keyword. Complex indicators win over simple ones.
func Heuristic(request string) Complexity {
	lower := strings.ToLower(request)
	for _, ind := range complexIndicators {
		if strings.Contains(lower, ind) {
			return Complex
		}
	}
	for _, ind := range simpleIndicators {
		if strings.Contains(lower, ind) {
			return Simple
		}
	}
	return Moderate
}

// ParseAnswer maps a free-text classifier answer to a Complexity.
func ParseAnswer(answer string) Complexity {
	upper := strings.ToUpper(answer)
	switch {
	case strings.Contains(upper, "SIMPLE"):
		return Simple
	case strings.Contains(upper, "COMPLEX"):
		return Complex
	}
	return Moderate
}

// SplitRequest cuts a request on commas and the word "and".
// A request with nothing to cut yields itself.
func SplitRequest(request string) []string {
	normalized := strings.ReplaceAll(request, ",", " and ")
	var parts []string
	for _, p := range strings.Split(normalized, " and ") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 && strings.TrimSpace(request) != "" {
		parts = append(parts, strings.TrimSpace(request))
	}
	return parts
}

// DetectSkills tags text with skills whose keywords it mentions.
func DetectSkills(text string) []string {
	lower := strings.ToLower(text)
	var skills []string
	for _, sk := range skillKeywords {
		for _, kw := range sk.keywords {
			if strings.Contains(lower, kw) {
				skills = append(skills, sk.skill)
				break
			}
		}
	}
	return skills
}
