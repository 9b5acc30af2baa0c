package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// classifierTimeout bounds the Tier-2 call; any error, including a timeout,
// results in the defaulted Classification (spec.md §4.7).
const classifierTimeout = 5 * time.Second

const classifierSystemPrompt = `You are a request classifier for an LLM gateway. ` +
	`Given a user request, respond with ONLY a JSON object of the shape ` +
	`{"complexity":"simple|medium|complex|reasoning","task_type":"...","estimated_tokens":123,"sensitive":false}. ` +
	`No prose, no markdown fences.`

// Classifier calls a small local model to produce a best-effort
// Classification. It never returns an error to the caller: any failure
// (network, non-2xx, empty body, invalid JSON, out-of-set values) degrades
// to the package defaults.
type Classifier struct {
	Endpoint string // e.g. http://localhost:11434
	Model    string
	Client   *http.Client
}

func NewClassifier(endpoint, model string) *Classifier {
	return &Classifier{
		Endpoint: endpoint,
		Model:    model,
		Client:   &http.Client{Timeout: classifierTimeout},
	}
}

type classifierChatRequest struct {
	Model    string                  `json:"model"`
	Messages []classifierChatMessage `json:"messages"`
	Stream   bool                    `json:"stream"`
}

type classifierChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type classifierChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Ollama-style /api/chat shape, tolerated as an alternate response form.
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type rawClassification struct {
	Complexity      string `json:"complexity"`
	TaskType        string `json:"task_type"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Sensitive       bool   `json:"sensitive"`
}

func defaultClassification() Classification {
	return Classification{
		Complexity:      DefaultComplexity,
		TaskType:        DefaultTaskType,
		EstimatedTokens: DefaultEstimatedTokens,
		Sensitive:       DefaultSensitive,
	}
}

var validComplexity = map[string]bool{
	ComplexitySimple: true, ComplexityMedium: true, ComplexityComplex: true, ComplexityReasoning: true,
}

var validTaskType = map[string]bool{
	TaskCoding: true, TaskMath: true, TaskComplexLogic: true, TaskToolCalling: true,
	TaskSummarization: true, TaskExtraction: true, TaskSimpleQA: true, TaskConversation: true,
	TaskClassification: true, TaskAnalysis: true, TaskWriting: true, TaskMultiStep: true, TaskReasoning: true,
}

// Classify asks the Tier-2 model to classify the request's text preview.
// Every error path is absorbed into the defensive defaults; the caller
// always receives a usable Classification.
func (c *Classifier) Classify(ctx context.Context, textPreview string) Classification {
	preview := textPreview
	if len(preview) > 500 {
		preview = preview[:500]
	}

	body := classifierChatRequest{
		Model: c.Model,
		Messages: []classifierChatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: "Classify this request:\n\n" + preview},
		},
		Stream: false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return defaultClassification()
	}

	ctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return defaultClassification()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return defaultClassification()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return defaultClassification()
	}

	var parsed classifierChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return defaultClassification()
	}

	content := parsed.Message.Content
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return defaultClassification()
	}

	var raw rawClassification
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return defaultClassification()
	}

	result := defaultClassification()
	if validComplexity[raw.Complexity] {
		result.Complexity = raw.Complexity
	}
	if validTaskType[raw.TaskType] {
		result.TaskType = raw.TaskType
	}
	if raw.EstimatedTokens > 0 {
		result.EstimatedTokens = raw.EstimatedTokens
	}
	result.Sensitive = raw.Sensitive
	return result
}
