package http

import (
	"context"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/daniellavrushin/pktreplay/config"
	"github.com/daniellavrushin/pktreplay/http/handler"
	"github.com/daniellavrushin/pktreplay/http/ws"
	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/metrics"
)

// StartServer serves the control API for ctl. It returns a nil server when
// the web server is disabled. Runs restarted through the API are bound to
// ctx.
func StartServer(ctx context.Context, cfg *config.Config, ctl handler.Controller) (*stdhttp.Server, error) {
	if !cfg.System.WebServer.IsEnabled {
		log.Infof("Web server disabled (port %d)", cfg.System.WebServer.Port)
		return nil, nil
	}

	collector := metrics.GetMetricsCollector()
	mux := NewMux(ctx, cfg, ctl, collector)

	addr := fmt.Sprintf("%s:%d", cfg.System.WebServer.BindAddress, cfg.System.WebServer.Port)
	log.Infof("Starting web server on %s", addr)
	collector.RecordEvent("info", fmt.Sprintf("Web server started on %s", addr))

	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           cors(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			log.Errorf("Web server error: %v", err)
			collector.RecordEvent("error", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return srv, nil
}

// NewMux registers the websocket streams and the REST API.
func NewMux(ctx context.Context, cfg *config.Config, ctl handler.Controller, m *metrics.MetricsCollector) *stdhttp.ServeMux {
	mux := stdhttp.NewServeMux()

	mux.HandleFunc("/api/ws/logs", ws.HandleLogsWebSocket)
	mux.HandleFunc("/api/ws/metrics", ws.MetricsHandler(m))
	log.Tracef("WebSocket endpoints registered: /api/ws/logs, /api/ws/metrics")

	handler.NewAPIHandler(ctx, cfg, ctl, m).RegisterEndpoints(mux)
	log.Tracef("REST API endpoints registered")

	return mux
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func LogWriter() io.Writer {
	return ws.LogWriter()
}

func Shutdown() {
	ws.Shutdown()
}
