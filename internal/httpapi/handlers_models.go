package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/llmgate/gateway/internal/store"
)

var modelsListLocationOrder = map[store.Location]int{
	store.LocationColocated: 0,
	store.LocationLAN:       1,
	store.LocationCloud:     2,
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsHandler implements GET /v1/models (spec.md §6): enabled models only,
// ordered by location (co-located, lan, cloud) then descending quality
// score.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListEnabledModels(r.Context())
		if err != nil {
			writeAPIError(w, err.Error(), "server_error", http.StatusInternalServerError)
			return
		}

		sort.SliceStable(models, func(i, j int) bool {
			li, lj := modelsListLocationOrder[models[i].Location], modelsListLocationOrder[models[j].Location]
			if li != lj {
				return li < lj
			}
			return models[i].QualityScore > models[j].QualityScore
		})

		data := make([]modelListEntry, len(models))
		for i, m := range models {
			created := int64(0)
			if m.LastUseAt != nil {
				created = m.LastUseAt.Unix()
			}
			data[i] = modelListEntry{ID: m.ID, Object: "model", Created: created, OwnedBy: m.Provider}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
