package planner

import (
	"fmt"
	"strings"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

// Complexity is the planner's classification of a request.
type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Moderate:
		return "moderate"
	case Complex:
		return "complex"
	}
	return fmt.Sprintf("complexity(%d)", int(c))
}

// MarshalText lets Complexity travel as its name in JSON and YAML.
func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Complexity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "simple":
		*c = Simple
	case "moderate":
		*c = Moderate
	case "complex":
		*c = Complex
	default:
		return fmt.Errorf("planner: unknown complexity %q", b)
	}
	return nil
}

// Locality says where a plan executes.
type Locality string

const (
	Local     Locality = "local"
	Delegated Locality = "delegated"
)

// route is one row of the decision table.
type route struct {
	locality Locality
	split    bool
	reason   string
}

// policy maps each complexity to its default route. Moderate can be
// re-routed by a ModeratePolicy.
var policy = map[Complexity]route{
	Simple:   {Local, false, "simple task, handle locally"},
	Moderate: {Local, false, "moderate task, handle locally under current load"},
	Complex:  {Delegated, true, "complex task, delegate to workers"},
}

// TaskPlan is the planner's output. It is not persisted.
type TaskPlan struct {
	Request        string          `json:"request"`
	Complexity     Complexity      `json:"complexity"`
	Locality       Locality        `json:"locality"`
	SubTasks       []*task.SubTask `json:"subtasks,omitempty"`
	RequiredSkills []string        `json:"required_skills,omitempty"`
	Reasoning      string          `json:"reasoning"`
}

// IsLocal reports whether the plan runs on the master itself.
func (p *TaskPlan) IsLocal() bool { return p.Locality == Local }
