package handler

import (
	"context"
	"net/http"

	"github.com/daniellavrushin/pktreplay/config"
	"github.com/daniellavrushin/pktreplay/metrics"
	"github.com/daniellavrushin/pktreplay/replay"
)

// Controller is the part of a replay context the API drives.
type Controller interface {
	State() replay.State
	RunID() string
	CurrentSource() int
	SourceCount() int
	Err() string
	Warn() string
	Stats() replay.Stats
	Abort() error
	Suspend() error
	Resume() error
	Restart(ctx context.Context) error
}

type API struct {
	cfg     *config.Config
	mux     *http.ServeMux
	ctl     Controller
	metrics *metrics.MetricsCollector
	// ctx bounds runs started by /api/control/restart.
	ctx context.Context
}

type StatusResponse struct {
	State         string `json:"state"`
	RunID         string `json:"run_id"`
	CurrentSource int    `json:"current_source"`
	SourceCount   int    `json:"source_count"`
	Error         string `json:"error"`
	Warning       string `json:"warning"`
}

type StatsResponse struct {
	replay.Stats
	DurationMs  int64   `json:"duration_ms"`
	PPS         float64 `json:"pps"`
	BPS         float64 `json:"bps"`
	CurrentPPS  float64 `json:"current_pps"`
	CurrentMbps float64 `json:"current_mbps"`
}

type ControlResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
