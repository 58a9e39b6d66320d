package models

import "testing"

func TestNextStepOrder(t *testing.T) {
	order := []Step{StepEnergy, StepMood, StepWins, StepLearnings, StepNextActions, StepMITs, StepExperiment, StepReview, StepCompleted}
	for i := 0; i < len(order)-1; i++ {
		next, ok := NextStep(order[i])
		if !ok {
			t.Fatalf("NextStep(%s) returned no successor", order[i])
		}
		if next != order[i+1] {
			t.Errorf("NextStep(%s) = %s, want %s", order[i], next, order[i+1])
		}
	}
	if _, ok := NextStep(StepCompleted); ok {
		t.Error("completed step should have no successor")
	}
	if _, ok := NextStep(StepIdle); ok {
		t.Error("idle step should have no successor")
	}
}

func TestStepProgress(t *testing.T) {
	tests := []struct {
		step    Step
		current int
	}{
		{StepEnergy, 1},
		{StepMood, 2},
		{StepExperiment, 7},
		{StepReview, 7},
		{StepCompleted, 7},
	}
	for _, tt := range tests {
		current, total := StepProgress(tt.step)
		if total != TotalAnswerSteps {
			t.Errorf("StepProgress(%s) total = %d, want %d", tt.step, total, TotalAnswerSteps)
		}
		if current != tt.current {
			t.Errorf("StepProgress(%s) current = %d, want %d", tt.step, current, tt.current)
		}
	}
}

func TestSpecForOptional(t *testing.T) {
	spec, ok := SpecFor(StepExperiment)
	if !ok {
		t.Fatal("SpecFor(experiment) not found")
	}
	if !spec.Optional {
		t.Error("experiment step should be optional")
	}
	for _, s := range Steps[:len(Steps)-1] {
		if s.Optional {
			t.Errorf("step %s should not be optional", s.Step)
		}
	}
	if _, ok := SpecFor(StepReview); ok {
		t.Error("review is not an answer step")
	}
}

func TestIsAnswerStep(t *testing.T) {
	if !IsAnswerStep(StepEnergy) || !IsAnswerStep(StepExperiment) {
		t.Error("answer steps not recognized")
	}
	for _, s := range []Step{StepIdle, StepReview, StepCompleted, Step("bogus")} {
		if IsAnswerStep(s) {
			t.Errorf("%s should not be an answer step", s)
		}
	}
}
