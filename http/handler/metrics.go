package handler

import (
	"encoding/json"
	"net/http"
)

func (api *API) RegisterMetricsApi() {
	api.mux.HandleFunc("/api/metrics", api.handleMetrics)
}

func (api *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if api.metrics == nil {
		writeJsonError(w, http.StatusServiceUnavailable, "Metrics are not collected")
		return
	}

	setJsonHeader(w)
	json.NewEncoder(w).Encode(api.metrics.GetSnapshot())
}
