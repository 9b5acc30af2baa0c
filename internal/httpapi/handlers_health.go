package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/llmgate/gateway/internal/store"
)

type healthResponse struct {
	Status   string        `json:"status"`
	Database string        `json:"database"`
	Models   healthModels  `json:"models"`
	Budget   healthBudget  `json:"budget"`
}

type healthModels struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

type healthBudget struct {
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
}

// HealthHandler implements GET /health (spec.md §6): always mounted outside
// the authenticated /v1 group. Reports 503 when the store is unreachable or
// no enabled model is currently healthy.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		models, err := d.Store.ListModels(ctx)
		if err != nil {
			writeHealthResponse(w, healthResponse{Status: "unhealthy", Database: "unreachable"}, http.StatusServiceUnavailable)
			return
		}

		var healthy, unhealthy, enabled int
		for _, m := range models {
			if !m.Enabled {
				continue
			}
			enabled++
			if m.Healthy {
				healthy++
			} else {
				unhealthy++
			}
		}

		policy, _ := d.Store.LoadPolicy(ctx)
		now := time.Now().UTC()
		daily, _ := d.Store.GetSpend(ctx, store.BudgetPeriodDaily, now.Format("2006-01-02"))
		monthly, _ := d.Store.GetSpend(ctx, store.BudgetPeriodMonthly, now.Format("2006-01"))

		resp := healthResponse{
			Status:   "ok",
			Database: "ok",
			Models:   healthModels{Total: enabled, Healthy: healthy, Unhealthy: unhealthy},
			Budget: healthBudget{
				DailySpendUSD:   daily.TotalSpend,
				DailyLimitUSD:   policy.DailyBudgetUSD,
				MonthlySpendUSD: monthly.TotalSpend,
				MonthlyLimitUSD: policy.MonthlyBudgetUSD,
			},
		}

		status := http.StatusOK
		if enabled == 0 || healthy == 0 {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		writeHealthResponse(w, resp, status)
	}
}

func writeHealthResponse(w http.ResponseWriter, resp healthResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
