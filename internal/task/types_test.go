package task

import (
	"errors"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.ValidTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if SubTaskAssigned.IsTerminal() || !SubTaskFailed.IsTerminal() {
		t.Error("subtask terminal states wrong")
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (Spec{TaskID: "t1", Description: "do it"}).Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	err := Spec{TaskID: "", Description: "x"}.Validate()
	if !errors.Is(err, ErrInvalidTask) {
		t.Errorf("missing id: got %v", err)
	}
	err = Spec{TaskID: "t1", Description: "  "}.Validate()
	if !errors.Is(err, ErrInvalidTask) {
		t.Errorf("blank description: got %v", err)
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Task{
		TaskID:    "t1",
		Skills:    []string{"web_fetch"},
		Result:    &Result{Output: "ok"},
		StartedAt: &now,
	}
	c := orig.Clone()
	c.Skills[0] = "shell_exec"
	c.Result.Output = "changed"
	*c.StartedAt = now.Add(time.Hour)

	if orig.Skills[0] != "web_fetch" || orig.Result.Output != "ok" || !orig.StartedAt.Equal(now) {
		t.Error("Clone shares state with the original")
	}
}

func TestSubTaskSpecCopiesSkills(t *testing.T) {
	st := &SubTask{TaskID: "a", Description: "d", Skills: []string{"x"}}
	spec := st.Spec()
	spec.Skills[0] = "y"
	if st.Skills[0] != "x" {
		t.Error("Spec shares the skills slice")
	}
}
