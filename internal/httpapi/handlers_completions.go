package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmgate/gateway/internal/providers"
	"github.com/llmgate/gateway/internal/router"
	"github.com/llmgate/gateway/internal/store"
)

// allowedSources and allowedChannels are the closed whitelists spec.md
// §4.11.2 requires for the two routing-hint headers.
var (
	allowedSources  = map[string]bool{"heartbeat": true, "cron": true, "webhook": true}
	allowedChannels = map[string]bool{"chat": true, "api": true, "batch": true}
)

// completionsRequestBody is the OpenAI-compatible request body for
// POST /v1/chat/completions.
type completionsRequestBody struct {
	Model       string           `json:"model"`
	Messages    []completionsMsg `json:"messages"`
	Stream      *bool            `json:"stream,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        any              `json:"stop,omitempty"`
}

type completionsMsg struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type apiErrorBody struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeAPIError(w http.ResponseWriter, msg, errType string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorBody{Error: apiErrorDetail{Message: msg, Type: errType}})
}

func validRole(role string) bool {
	switch role {
	case "system", "user", "assistant":
		return true
	default:
		return false
	}
}

// validateCompletionsRequest implements spec.md §4.11 step 1.
func validateCompletionsRequest(body completionsRequestBody) error {
	if len(body.Messages) == 0 {
		return errors.New("messages is required and must be a non-empty array")
	}
	for _, m := range body.Messages {
		if !validRole(m.Role) {
			return fmt.Errorf("invalid role %q", m.Role)
		}
	}
	if body.MaxTokens != nil && *body.MaxTokens < 1 {
		return errors.New("max_tokens must be >= 1")
	}
	if body.Temperature != nil && (*body.Temperature < 0 || *body.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if body.TopP != nil && (*body.TopP < 0 || *body.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	return nil
}

func stopSequences(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toRouterRequest(body completionsRequestBody, source, channel string) router.Request {
	messages := make([]router.Message, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	req := router.Request{
		Model:       body.Model,
		Messages:    messages,
		Stream:      body.Stream == nil || *body.Stream,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stop:        stopSequences(body.Stop),
		Source:      source,
		Channel:     channel,
	}
	if body.MaxTokens != nil {
		req.MaxTokens = *body.MaxTokens
	}
	return req
}

// headerOrEmpty returns the header value if it's in the whitelist, else "".
func headerOrEmpty(r *http.Request, header string, whitelist map[string]bool) string {
	v := r.Header.Get(header)
	if whitelist[v] {
		return v
	}
	return ""
}

// CompletionsHandler implements POST /v1/chat/completions (spec.md §4.11).
func CompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := providers.WithRequestID(r.Context(), reqID)

		var body completionsRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeAPIError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if err := validateCompletionsRequest(body); err != nil {
			writeAPIError(w, err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}

		source := headerOrEmpty(r, "X-Router-Source", allowedSources)
		channel := headerOrEmpty(r, "X-Router-Channel", allowedChannels)
		routerReq := toRouterRequest(body, source, channel)

		decision, err := d.Orchestrator.Route(ctx, routerReq)
		if err != nil {
			var noModel *router.ErrNoAvailableModel
			if errors.As(err, &noModel) {
				writeAPIError(w, noModel.Error(), "server_error", http.StatusServiceUnavailable)
				return
			}
			writeAPIError(w, err.Error(), "server_error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-Router-Tier", fmt.Sprintf("%d", decision.Tier))
		if decision.Classification != nil {
			if cj, err := json.Marshal(decision.Classification); err == nil {
				w.Header().Set("X-Router-Classification", string(cj))
			}
		}

		stream, servedModel, err := d.Dispatcher.Dispatch(ctx, decision.Candidates, routerReq)
		if err != nil {
			writeAPIError(w, "no available model could serve this request", "server_error", http.StatusServiceUnavailable)
			return
		}
		defer func() { _ = stream.Close() }()

		w.Header().Set("X-Router-Model", servedModel.ID)

		if routerReq.Stream {
			serveStream(ctx, w, r, d, stream, servedModel, decision, start)
			return
		}
		serveNonStream(ctx, w, d, stream, servedModel, decision, start)
	}
}

func costUSD(model store.Model, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*model.PriceInPerMillion/1e6 + float64(completionTokens)*model.PriceOutPerMillion/1e6
}

// logRequest persists the request log row and, on non-zero cost, the
// budget ledger rows. It uses context.Background rather than the request
// context since the HTTP response may already be fully written (and its
// context canceled) by the time this runs, but the write must still land
// (spec.md §4.11 step 8).
func logRequest(d Dependencies, decision router.Decision, model store.Model, success bool, latencyMs int64, promptTokens, completionTokens int) {
	ctx := context.Background()
	var classificationJSON string
	if decision.Classification != nil {
		if cj, err := json.Marshal(decision.Classification); err == nil {
			classificationJSON = string(cj)
		}
	}
	cost := costUSD(model, promptTokens, completionTokens)
	entry := store.RequestLog{
		Timestamp:      time.Now().UTC(),
		Tier:           decision.Tier,
		RuleID:         decision.RuleID,
		Classification: classificationJSON,
		ModelID:        model.ID,
		InputTokens:    promptTokens,
		OutputTokens:   completionTokens,
		CostUSD:        cost,
		LatencyMs:      latencyMs,
		Success:        success,
	}

	if d.Metrics != nil {
		status := "success"
		if !success {
			status = "error"
		}
		tier := strconv.Itoa(decision.Tier)
		d.Metrics.RequestsTotal.WithLabelValues(tier, model.ID, model.Provider, status).Inc()
		d.Metrics.RequestLatency.WithLabelValues(tier, model.ID, model.Provider).Observe(float64(latencyMs))
		if cost > 0 {
			d.Metrics.CostUSD.WithLabelValues(model.ID, model.Provider).Add(cost)
		}
	}

	if err := d.Store.InsertRequestLog(ctx, entry); err != nil {
		// log/ledger failure is swallowed per spec.md §7, but still surfaced
		// to the operator: the request itself already succeeded or failed
		// independently of this write.
		slog.Error("request log write failed", slog.String("model", model.ID), slog.Any("err", err))
		return
	}
	if cost > 0 {
		now := time.Now().UTC()
		if err := d.Store.UpsertSpend(ctx, store.BudgetPeriodDaily, now.Format("2006-01-02"), cost, promptTokens, completionTokens); err != nil {
			slog.Warn("daily spend ledger update failed", slog.String("model", model.ID), slog.Any("err", err))
		}
		if err := d.Store.UpsertSpend(ctx, store.BudgetPeriodMonthly, now.Format("2006-01"), cost, promptTokens, completionTokens); err != nil {
			slog.Warn("monthly spend ledger update failed", slog.String("model", model.ID), slog.Any("err", err))
		}
	}
}
