package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmgate/gateway/internal/router"
	"github.com/llmgate/gateway/internal/store"
)

// openAIChunk and openAIChoice mirror the OpenAI streaming/non-streaming
// chat completion chunk shapes (spec.md §4.9/§6).
type openAIChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *openAIUsage       `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int               `json:"index"`
	Delta        openAIChunkDelta  `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openAIChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIChunk(c router.NormalizedChunk) openAIChunk {
	chunk := openAIChunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []openAIChunkChoice{{
			Index: 0,
			Delta: openAIChunkDelta{Role: c.Role, Content: c.Content},
		}},
	}
	if c.FinishReason != "" {
		fr := c.FinishReason
		chunk.Choices[0].FinishReason = &fr
	}
	if c.Usage != nil {
		chunk.Usage = &openAIUsage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		}
	}
	return chunk
}

// serveStream implements spec.md §4.11 step 6: SSE relay of the adapter's
// normalized chunk stream, a [DONE] terminator, client-disconnect abort via
// context cancellation, and exactly one request-log row at stream end.
func serveStream(ctx context.Context, w http.ResponseWriter, r *http.Request, d Dependencies, stream router.Stream, model store.Model, decision router.Decision, start time.Time) {
	reqID := middleware.GetReqID(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var usage router.Usage
	success := true

	for {
		select {
		case <-r.Context().Done():
			success = false
			goto done
		default:
		}

		chunk, more, err := stream.Next()
		if err != nil {
			slog.Warn("completion stream: read error",
				slog.String("request_id", reqID), slog.String("model", model.ID), slog.String("error", err.Error()))
			writeSSEEvent(w, map[string]any{"error": map[string]string{"message": err.Error(), "type": "server_error"}})
			success = false
			break
		}
		if !more {
			break
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		writeSSEJSON(w, toOpenAIChunk(chunk))
		if flusher != nil {
			flusher.Flush()
		}
	}

done:
	writeSSEEvent(w, nil)
	if flusher != nil {
		flusher.Flush()
	}

	latencyMs := time.Since(start).Milliseconds()
	logRequest(d, decision, model, success, latencyMs, usage.PromptTokens, usage.CompletionTokens)
}

func writeSSEJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}

// writeSSEEvent writes either a JSON data event (v != nil) or the terminal
// [DONE] marker (v == nil).
func writeSSEEvent(w http.ResponseWriter, v any) {
	if v == nil {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}
	writeSSEJSON(w, v)
}

// serveNonStream implements spec.md §4.11 step 7: accumulate every chunk,
// join content, and return a single OpenAI-shaped completion object.
func serveNonStream(ctx context.Context, w http.ResponseWriter, d Dependencies, stream router.Stream, model store.Model, decision router.Decision, start time.Time) {
	var (
		content      string
		role         = "assistant"
		finishReason = "stop"
		usage        router.Usage
		chunkCount   int
		id           string
		created      int64
	)

	for {
		chunk, more, err := stream.Next()
		if err != nil {
			latencyMs := time.Since(start).Milliseconds()
			logRequest(d, decision, model, false, latencyMs, usage.PromptTokens, usage.CompletionTokens)
			writeAPIError(w, err.Error(), "server_error", http.StatusBadGateway)
			return
		}
		if !more {
			break
		}
		chunkCount++
		if chunk.Role != "" {
			role = chunk.Role
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Created != 0 {
			created = chunk.Created
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	latencyMs := time.Since(start).Milliseconds()
	if chunkCount == 0 {
		logRequest(d, decision, model, false, latencyMs, 0, 0)
		writeAPIError(w, "provider returned an empty response", "server_error", http.StatusBadGateway)
		return
	}

	logRequest(d, decision, model, true, latencyMs, usage.PromptTokens, usage.CompletionTokens)

	if id == "" {
		id = fmt.Sprintf("chatcmpl-%d", start.UnixNano())
	}
	if created == 0 {
		created = start.Unix()
	}

	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model.ID,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]string{
				"role":    role,
				"content": content,
			},
			"finish_reason": finishReason,
		}},
		"usage": openAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
