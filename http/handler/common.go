package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/daniellavrushin/pktreplay/config"
	"github.com/daniellavrushin/pktreplay/metrics"
)

func NewAPIHandler(ctx context.Context, cfg *config.Config, ctl Controller, m *metrics.MetricsCollector) *API {
	return &API{
		cfg:     cfg,
		ctl:     ctl,
		metrics: m,
		ctx:     ctx,
	}
}

func (api *API) RegisterEndpoints(mux *http.ServeMux) {
	api.mux = mux

	api.RegisterControlApi()
	api.RegisterConfigApi()
	api.RegisterMetricsApi()
}

func setJsonHeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

func writeJsonError(w http.ResponseWriter, status int, message string) {
	setJsonHeader(w)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
