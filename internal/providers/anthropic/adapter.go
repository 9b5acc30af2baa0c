// Package anthropic implements the Anthropic-shaped backend adapter: any
// model whose wire_format is "anthropic" is served through this adapter.
package anthropic

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

const anthropicVersion = "2023-06-01"

// Adapter serves every model whose wire_format is anthropic. Like the
// openai adapter it is stateless across models: endpoint and credential
// come from the store.Model passed to StreamChat.
type Adapter struct {
	client *http.Client
}

func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client}
}

func modelName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// coerceRole maps a chat role onto Anthropic's two-role turn model:
// assistant turns stay assistant, everything else (user, tool, etc.)
// becomes user. System messages are extracted separately and never
// appear in the turn list.
func coerceRole(role string) string {
	if role == "assistant" {
		return "assistant"
	}
	return "user"
}

func (a *Adapter) StreamChat(ctx context.Context, model store.Model, req router.Request) (router.Stream, error) {
	var system strings.Builder
	turns := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		content := ""
		if m.Content != nil {
			content = *m.Content
		}
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(content)
			continue
		}
		turns = append(turns, map[string]string{"role": coerceRole(m.Role), "content": content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.DefaultMaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := map[string]any{
		"model":      modelName(model.ID),
		"messages":   turns,
		"stream":     true,
		"max_tokens": maxTokens,
	}
	if system.Len() > 0 {
		payload["system"] = system.String()
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}

	if model.CredentialEnvVar == "" {
		return nil, errors.New("anthropic adapter: model has no credential_env_var configured")
	}
	apiKey := os.Getenv(model.CredentialEnvVar)
	if apiKey == "" {
		return nil, errors.New("anthropic adapter: credential env var is unset")
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}

	body, err := providers.DoStreamRequest(ctx, a.client, model.Endpoint+"/v1/messages", payload, headers)
	if err != nil {
		return nil, err
	}
	return newEventStream(body, model.ID), nil
}

// ClassifyError maps a backend error to a coarse routing class, mirroring
// the openai adapter's free function for callers outside the dispatcher's
// own §4.10 failure table.
func ClassifyError(err error) string {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			return "rate_limited"
		case se.StatusCode >= 500:
			return "transient"
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			return "context_overflow"
		}
	}
	return "fatal"
}

// eventStream parses an Anthropic messages-streaming SSE body into
// normalized chunks. Anthropic frames each event as a pair of lines
// ("event: <type>" then "data: <json>"); only message_start,
// content_block_delta and message_delta carry content we normalize.
type eventStream struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	modelID     string
	done        bool
	inputTokens int // captured from message_start, combined with output_tokens at message_delta
}

func newEventStream(body io.ReadCloser, modelID string) *eventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventStream{scanner: scanner, modelID: modelID, body: body}
}

type messageStartEvent struct {
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Role  string `json:"role"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type contentBlockDeltaEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type messageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// stopReasonToFinishReason maps Anthropic's stop_reason onto the OpenAI-
// shaped finish_reason values callers already know how to read (spec.md
// §4.9: end_turn/stop_sequence->stop, max_tokens->length, default->stop).
func stopReasonToFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func (s *eventStream) Next() (router.NormalizedChunk, bool, error) {
	if s.done {
		return router.NormalizedChunk{}, false, nil
	}
	var eventType string
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		switch eventType {
		case "message_start":
			var ev messageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			model := ev.Message.Model
			if model == "" {
				model = s.modelID
			}
			s.inputTokens = ev.Message.Usage.InputTokens
			return router.NormalizedChunk{ID: ev.Message.ID, Model: model, Role: ev.Message.Role}, true, nil
		case "content_block_delta":
			var ev contentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Delta.Text == "" {
				continue
			}
			return router.NormalizedChunk{Model: s.modelID, Content: ev.Delta.Text}, true, nil
		case "message_delta":
			var ev messageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			chunk := router.NormalizedChunk{
				Model:        s.modelID,
				FinishReason: stopReasonToFinishReason(ev.Delta.StopReason),
			}
			if ev.Usage.OutputTokens > 0 || s.inputTokens > 0 {
				chunk.Usage = &router.Usage{
					PromptTokens:     s.inputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      s.inputTokens + ev.Usage.OutputTokens,
				}
			}
			return chunk, true, nil
		case "message_stop":
			s.done = true
			return router.NormalizedChunk{}, false, nil
		default:
			// content_block_start/stop, ping, ignored.
			continue
		}
	}
	if err := s.scanner.Err(); err != nil {
		return router.NormalizedChunk{}, false, err
	}
	return router.NormalizedChunk{}, false, nil
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
