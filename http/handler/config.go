package handler

import (
	"encoding/json"
	"net/http"
)

func (api *API) RegisterConfigApi() {
	api.mux.HandleFunc("/api/config", api.handleConfig)
}

// handleConfig reports the configuration the process started with. Changes
// are made through the config file or flags and take effect on restart of
// the process.
func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if api.cfg == nil {
		writeJsonError(w, http.StatusNotFound, "No configuration loaded")
		return
	}

	setJsonHeader(w)
	json.NewEncoder(w).Encode(api.cfg)
}
