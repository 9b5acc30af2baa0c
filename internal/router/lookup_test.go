package router

import "testing"

func TestQualityFloorKnownComplexities(t *testing.T) {
	cases := map[string]int{
		ComplexitySimple:    0,
		ComplexityMedium:    40,
		ComplexityComplex:   65,
		ComplexityReasoning: 80,
	}
	for complexity, want := range cases {
		if got := QualityFloor(complexity); got != want {
			t.Errorf("QualityFloor(%q) = %d, want %d", complexity, got, want)
		}
	}
}

func TestQualityFloorUnknownDefaultsToMedium(t *testing.T) {
	if got := QualityFloor("nonsense"); got != qualityFloorByComplexity[ComplexityMedium] {
		t.Errorf("QualityFloor(unknown) = %d, want medium floor %d", got, qualityFloorByComplexity[ComplexityMedium])
	}
}

func TestCapabilityForTaskTypeKnownValues(t *testing.T) {
	cases := map[string]string{
		TaskCoding:       "coding",
		TaskConversation: "conversation",
		TaskReasoning:    "reasoning",
		TaskMultiStep:    "multi_step",
	}
	for taskType, want := range cases {
		if got := CapabilityForTaskType(taskType); got != want {
			t.Errorf("CapabilityForTaskType(%q) = %q, want %q", taskType, got, want)
		}
	}
}

func TestCapabilityForTaskTypeUnknownReturnsEmpty(t *testing.T) {
	if got := CapabilityForTaskType("not-a-real-task-type"); got != "" {
		t.Errorf("CapabilityForTaskType(unknown) = %q, want empty", got)
	}
}
