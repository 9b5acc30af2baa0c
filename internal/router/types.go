// Package router implements the three-tier routing decision engine: a
// deterministic rule matcher, a small-model classifier, and a fixed
// fallback, followed by candidate selection and a retry-across-candidates
// dispatcher.
package router

import "github.com/llmgate/gateway/internal/store"

// Message is one chat message in an incoming completion request. Content is
// either a string or null; non-string content (e.g. image parts) is
// represented as RawContent and only affects HasMedia detection.
type Message struct {
	Role       string `json:"role"`
	Content    *string
	RawContent any `json:"-"`
}

// Request is the gateway-internal, provider-agnostic form of an incoming
// chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Stream      bool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string

	// Trusted metadata, never taken from request body fields a client could
	// forge arbitrarily — only from the whitelisted headers in spec.md §4.11.
	Source  string
	Channel string
}

// RequestMetadata is extracted once per request (spec.md §4.8 step 1) and
// threaded through every tier.
type RequestMetadata struct {
	TextPreview      string
	EstimatedTokens  int
	HasMedia         bool
	Source           string
	Channel          string
}

// Classification is the Tier-2 classifier's (possibly defaulted) output.
type Classification struct {
	Complexity      string // simple, medium, complex, reasoning
	TaskType        string // one of the 13-value closed set
	EstimatedTokens int
	Sensitive       bool
}

// Defensive defaults applied whenever the Tier-2 classifier cannot be
// trusted (spec.md §4.7): any network error, non-2xx response, empty
// content, or unparseable/out-of-set JSON falls back to these values.
const (
	DefaultComplexity = "medium"
	DefaultTaskType    = "conversation"
	DefaultEstimatedTokens = 1000
	DefaultSensitive   = false
)

// Complexity values (closed set).
const (
	ComplexitySimple    = "simple"
	ComplexityMedium    = "medium"
	ComplexityComplex   = "complex"
	ComplexityReasoning = "reasoning"
)

// TaskType values (closed set of 13).
const (
	TaskCoding         = "coding"
	TaskMath           = "math"
	TaskComplexLogic   = "complex_logic"
	TaskToolCalling    = "tool_calling"
	TaskSummarization  = "summarization"
	TaskExtraction     = "extraction"
	TaskSimpleQA       = "simple_qa"
	TaskConversation   = "conversation"
	TaskClassification = "classification"
	TaskAnalysis       = "analysis"
	TaskWriting        = "writing"
	TaskMultiStep      = "multi_step"
	TaskReasoning      = "reasoning"
)

// Candidate is one ranked, selectable model for a request (spec.md §4.6).
type Candidate struct {
	Model store.Model
	Rank  int
}

// Decision is the outcome of routing a request through tiers 1-3: a ranked
// candidate list plus bookkeeping needed for the request log row.
type Decision struct {
	Tier           int
	RuleID         *int64
	Classification *Classification
	Candidates     []Candidate
}

// ErrNoAvailableModel signals that every tier (including the fallback) left
// the candidate list empty.
type ErrNoAvailableModel struct{ Reason string }

func (e *ErrNoAvailableModel) Error() string {
	if e.Reason == "" {
		return "no available model"
	}
	return "no available model: " + e.Reason
}

// NormalizedChunk is one element of a streaming completion response,
// provider-agnostic and OpenAI-shaped (spec.md §4.9).
type NormalizedChunk struct {
	ID      string
	Created int64
	Model   string

	Role         string // set only on the first chunk carrying a role
	Content      string
	FinishReason string // "", "stop", "length", or other mapped reason

	Usage *Usage // set only on the terminal chunk, when the backend reports it
}

// Usage is the token accounting reported at the end of a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Stream is a pull-driven, one-shot source of normalized chunks. Next
// returns io.EOF-equivalent via (chunk, false, nil) at natural end. Close
// aborts the underlying backend connection if still open; it is always
// safe to call more than once.
type Stream interface {
	Next() (NormalizedChunk, bool, error)
	Close() error
}
