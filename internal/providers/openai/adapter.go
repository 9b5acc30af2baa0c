// Package openai implements the OpenAI-shaped backend adapter: any model
// whose wire_format is "openai" (OpenAI itself, and OpenAI-compatible
// local/LAN servers) is served through this adapter.
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/llmgate/gateway/internal/providers"
	"github.com/llmgate/gateway/internal/router"
	"github.com/llmgate/gateway/internal/store"
)

// Adapter serves every model whose wire_format is openai. It is stateless
// across models: base URL and credential come from the store.Model passed
// to StreamChat, never from adapter construction, so a single instance
// serves every OpenAI-shaped model in the registry.
type Adapter struct {
	client *http.Client
}

func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client}
}

// modelName strips a "{provider_prefix}/" prefix from the stable model ID
// so the wire-level "model" field matches what the backend expects.
func modelName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func (a *Adapter) StreamChat(ctx context.Context, model store.Model, req router.Request) (router.Stream, error) {
	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		content := any(nil)
		if m.Content != nil {
			content = *m.Content
		}
		messages[i] = map[string]any{"role": m.Role, "content": content}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.DefaultMaxTokens
	}

	payload := map[string]any{
		"model":      modelName(model.ID),
		"messages":   messages,
		"stream":     true,
		"max_tokens": maxTokens,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}

	headers := map[string]string{}
	if model.CredentialEnvVar != "" {
		if key := os.Getenv(model.CredentialEnvVar); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	body, err := providers.DoStreamRequest(ctx, a.client, model.Endpoint+"/chat/completions", payload, headers)
	if err != nil {
		return nil, err
	}
	return newSSEStream(body, model.ID), nil
}

// ClassifyError maps a backend error to the routing error classes used
// outside the dispatcher's own §4.10 failure table (kept for callers that
// want a coarser classification, e.g. admin tooling).
func ClassifyError(err error) string {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return "rate_limited"
		case se.StatusCode >= 500:
			return "transient"
		case strings.Contains(se.Body, "context_length_exceeded"):
			return "context_overflow"
		}
	}
	return "fatal"
}

// sseStream parses an OpenAI-shaped Server-Sent-Events body into
// normalized chunks, buffering partial trailing lines across reads.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	modelID string
	done    bool
}

func newSSEStream(body io.ReadCloser, modelID string) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{scanner: scanner, modelID: modelID, body: body}
}

type openAIChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *sseStream) Next() (router.NormalizedChunk, bool, error) {
	if s.done {
		return router.NormalizedChunk{}, false, nil
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue // SSE comment / keep-alive
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return router.NormalizedChunk{}, false, nil
		}

		var raw openAIChunk
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			continue // skip malformed event, keep consuming the stream
		}

		model := raw.Model
		if model == "" {
			model = s.modelID
		}
		chunk := router.NormalizedChunk{ID: raw.ID, Created: raw.Created, Model: model}
		if len(raw.Choices) > 0 {
			chunk.Role = raw.Choices[0].Delta.Role
			chunk.Content = raw.Choices[0].Delta.Content
			if raw.Choices[0].FinishReason != nil {
				chunk.FinishReason = *raw.Choices[0].FinishReason
			}
		}
		if raw.Usage != nil {
			chunk.Usage = &router.Usage{
				PromptTokens:     raw.Usage.PromptTokens,
				CompletionTokens: raw.Usage.CompletionTokens,
				TotalTokens:      raw.Usage.TotalTokens,
			}
		}
		return chunk, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return router.NormalizedChunk{}, false, err
	}
	return router.NormalizedChunk{}, false, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
