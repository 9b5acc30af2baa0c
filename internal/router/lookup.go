package router

// qualityFloorByComplexity maps a classified complexity to the minimum
// model quality score the selector requires (spec.md §3 lookup tables).
var qualityFloorByComplexity = map[string]int{
	ComplexitySimple:    0,
	ComplexityMedium:    40,
	ComplexityComplex:   65,
	ComplexityReasoning: 80,
}

// QualityFloor returns the quality floor for a complexity value, defaulting
// to the medium floor for anything outside the closed set.
func QualityFloor(complexity string) int {
	if floor, ok := qualityFloorByComplexity[complexity]; ok {
		return floor
	}
	return qualityFloorByComplexity[ComplexityMedium]
}

// taskTypeToCapability maps the closed task_type set to the capability
// index used by the selector's capability filter (spec.md §3).
var taskTypeToCapability = map[string]string{
	TaskCoding:         "coding",
	TaskMath:           "math",
	TaskComplexLogic:   "complex_logic",
	TaskToolCalling:    "tool_calling",
	TaskSummarization:  "summarization",
	TaskExtraction:     "extraction",
	TaskSimpleQA:       "simple_qa",
	TaskConversation:   "conversation",
	TaskClassification: "classification",
	TaskAnalysis:       "analysis",
	TaskWriting:        "writing",
	TaskMultiStep:      "multi_step",
	TaskReasoning:      "reasoning",
}

// CapabilityForTaskType returns the canonical capability for a task_type,
// or "" if task_type is outside the closed set (selector treats "" as no
// capability constraint).
func CapabilityForTaskType(taskType string) string {
	return taskTypeToCapability[taskType]
}
