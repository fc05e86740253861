package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/replay"
)

func (api *API) RegisterControlApi() {
	api.mux.HandleFunc("/api/status", api.handleStatus)
	api.mux.HandleFunc("/api/stats", api.handleStats)
	api.mux.HandleFunc("/api/control/abort", api.control("abort", api.ctl.Abort))
	api.mux.HandleFunc("/api/control/suspend", api.control("suspend", api.ctl.Suspend))
	api.mux.HandleFunc("/api/control/resume", api.control("resume", api.ctl.Resume))
	api.mux.HandleFunc("/api/control/restart", api.control("restart", api.restart))
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := StatusResponse{
		State:         api.ctl.State().String(),
		RunID:         api.ctl.RunID(),
		CurrentSource: api.ctl.CurrentSource(),
		SourceCount:   api.ctl.SourceCount(),
		Error:         api.ctl.Err(),
		Warning:       api.ctl.Warn(),
	}

	setJsonHeader(w)
	json.NewEncoder(w).Encode(status)
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s := api.ctl.Stats()
	resp := StatsResponse{
		Stats:      s,
		DurationMs: s.Duration().Milliseconds(),
		PPS:        s.PacketsPerSecond(),
		BPS:        s.BitsPerSecond(),
	}
	if api.metrics != nil {
		snap := api.metrics.GetSnapshot()
		resp.CurrentPPS = snap.CurrentPPS
		resp.CurrentMbps = snap.CurrentMbps
	}

	setJsonHeader(w)
	json.NewEncoder(w).Encode(resp)
}

// control wraps a state request. Requests the replay state does not allow
// are answered with 409.
func (api *API) control(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		log.Infof("Replay %s requested via web API", name)
		err := fn()
		resp := ControlResponse{Success: err == nil, State: api.ctl.State().String()}

		setJsonHeader(w)
		switch {
		case err == nil:
		case errors.Is(err, replay.ErrState):
			resp.Message = err.Error()
			w.WriteHeader(http.StatusConflict)
		default:
			resp.Message = err.Error()
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// restart starts another run in the background once the previous one has
// ended.
func (api *API) restart() error {
	switch st := api.ctl.State(); st {
	case replay.Stopped, replay.Aborted:
	default:
		return fmt.Errorf("%w: cannot restart while %s", replay.ErrState, st)
	}

	go func() {
		if err := api.ctl.Restart(api.ctx); err != nil {
			log.Errorf("Restart failed: %v", err)
		}
	}()
	return nil
}
