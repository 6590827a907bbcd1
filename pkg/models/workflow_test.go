package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWorkflowStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status WorkflowStatus
		want   bool
	}{
		{"pending is valid", WorkflowStatusPending, true},
		{"running is valid", WorkflowStatusRunning, true},
		{"completed is valid", WorkflowStatusCompleted, true},
		{"failed is valid", WorkflowStatusFailed, true},
		{"cancelled is valid", WorkflowStatusCancelled, true},
		{"empty string is invalid", WorkflowStatus(""), false},
		{"unknown status is invalid", WorkflowStatus("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("WorkflowStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestWorkflowStatus_Terminal(t *testing.T) {
	tests := []struct {
		status WorkflowStatus
		want   bool
	}{
		{WorkflowStatusPending, false},
		{WorkflowStatusRunning, false},
		{WorkflowStatusCompleted, true},
		{WorkflowStatusFailed, true},
		{WorkflowStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("WorkflowStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestStepStatus_Satisfied(t *testing.T) {
	tests := []struct {
		status StepStatus
		want   bool
	}{
		{StepStatusPending, false},
		{StepStatusReady, false},
		{StepStatusRunning, false},
		{StepStatusCompleted, true},
		{StepStatusFailed, false},
		{StepStatusSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Satisfied(); got != tt.want {
				t.Errorf("StepStatus(%q).Satisfied() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestStepStatus_Terminal(t *testing.T) {
	terminal := []StepStatus{StepStatusCompleted, StepStatusFailed, StepStatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("StepStatus(%q).Terminal() = false, want true", s)
		}
	}
	open := []StepStatus{StepStatusPending, StepStatusReady, StepStatusRunning}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("StepStatus(%q).Terminal() = true, want false", s)
		}
	}
}

func TestDependencyFailedReason_RoundTrip(t *testing.T) {
	reason := DependencyFailedReason("build")
	step, ok := DependencyFailure(reason)
	if !ok {
		t.Fatalf("DependencyFailure(%q) = false, want true", reason)
	}
	if step != "build" {
		t.Errorf("DependencyFailure(%q) step = %q, want %q", reason, step, "build")
	}

	if _, ok := DependencyFailure(ReasonTimeout); ok {
		t.Errorf("DependencyFailure(%q) = true, want false", ReasonTimeout)
	}
	if _, ok := DependencyFailure(""); ok {
		t.Error("DependencyFailure(\"\") = true, want false")
	}
}

func TestStepResult_Failed(t *testing.T) {
	var nilResult *StepResult
	if nilResult.Failed() {
		t.Error("nil StepResult should not report failed")
	}
	ok := &StepResult{StepID: "a", Output: json.RawMessage(`{"n":1}`)}
	if ok.Failed() {
		t.Error("result with output should not report failed")
	}
	bad := &StepResult{StepID: "a", Reason: ReasonTimeout}
	if !bad.Failed() {
		t.Error("result with reason should report failed")
	}
}

func TestWorkflow_Step(t *testing.T) {
	w := &Workflow{
		ID: "w1",
		Steps: []*WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}

	if got := w.Step("b"); got == nil || got.ID != "b" {
		t.Errorf("Step(\"b\") = %v, want step b", got)
	}
	if got := w.Step("missing"); got != nil {
		t.Errorf("Step(\"missing\") = %v, want nil", got)
	}
}

func TestWorkflow_Clone_IsDeep(t *testing.T) {
	started := time.Now()
	w := &Workflow{
		ID:     "w1",
		Status: WorkflowStatusRunning,
		Steps: []*WorkflowStep{
			{
				ID:        "a",
				DependsOn: []string{"root"},
				Status:    StepStatusCompleted,
				Result:    &StepResult{StepID: "a", Output: json.RawMessage(`"done"`)},
				StartedAt: &started,
			},
		},
	}

	cp := w.Clone()

	cp.Status = WorkflowStatusFailed
	cp.Steps[0].Status = StepStatusFailed
	cp.Steps[0].DependsOn[0] = "changed"
	cp.Steps[0].Result.Reason = ReasonTimeout

	if w.Status != WorkflowStatusRunning {
		t.Errorf("original status mutated to %q", w.Status)
	}
	if w.Steps[0].Status != StepStatusCompleted {
		t.Errorf("original step status mutated to %q", w.Steps[0].Status)
	}
	if w.Steps[0].DependsOn[0] != "root" {
		t.Errorf("original DependsOn mutated to %q", w.Steps[0].DependsOn[0])
	}
	if w.Steps[0].Result.Reason != "" {
		t.Errorf("original result mutated, reason %q", w.Steps[0].Result.Reason)
	}
}

func TestFailurePolicy_Valid(t *testing.T) {
	if !FailurePolicySkipDependents.Valid() {
		t.Error("skip_dependents should be valid")
	}
	if !FailurePolicyFailDependents.Valid() {
		t.Error("fail_dependents should be valid")
	}
	if FailurePolicy("abort").Valid() {
		t.Error("unknown policy should be invalid")
	}
}
