package ws

import (
	"net/http"
	"time"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/metrics"
	"github.com/gorilla/websocket"
)

const metricsInterval = time.Second

// HandleMetricsWebSocket pushes the process-wide metrics snapshot once per
// second.
func HandleMetricsWebSocket(w http.ResponseWriter, r *http.Request) {
	MetricsHandler(metrics.GetMetricsCollector())(w, r)
}

// MetricsHandler streams snapshots of m, the first one immediately.
func MetricsHandler(m *metrics.MetricsCollector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Failed to upgrade metrics WebSocket: %v", err)
			return
		}
		log.Tracef("Metrics WebSocket client connected: %s", r.RemoteAddr)

		closed := make(chan struct{})
		go readPump(conn, func() { close(closed) })

		ticker := time.NewTicker(metricsInterval)
		ping := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			ping.Stop()
			conn.Close()
		}()

		for {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m.GetSnapshot()); err != nil {
				return
			}
			select {
			case <-closed:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ticker.C:
			}
		}
	}
}
