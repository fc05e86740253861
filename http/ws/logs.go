package ws

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/gorilla/websocket"
)

var (
	logHub     *LogHub
	logOnce    sync.Once
	logWriter  *broadcastWriter
	writerOnce sync.Once
)

// GetLogHub returns the singleton log hub
func GetLogHub() *LogHub {
	logOnce.Do(func() {
		logHub = newLogHub()
		go logHub.run()
	})
	return logHub
}

func newLogHub() *LogHub {
	return &LogHub{
		clients: map[*logClient]struct{}{},
		backlog: make([][]byte, 0, logBacklog),
		in:      make(chan []byte, 1024),
		reg:     make(chan *logClient),
		unreg:   make(chan *logClient),
		stop:    make(chan struct{}),
	}
}

func (h *LogHub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.reg:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			for _, line := range h.backlog {
				select {
				case c.send <- line:
				default:
				}
			}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.in:
			h.mu.Lock()
			if len(h.backlog) == logBacklog {
				copy(h.backlog, h.backlog[1:])
				h.backlog = h.backlog[:logBacklog-1]
			}
			h.backlog = append(h.backlog, msg)
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client
				}
			}
			h.mu.Unlock()
		}
	}
}

// publish never blocks: the replay goroutine logs through this hub, so a
// full queue drops the line instead of stalling a send.
func (h *LogHub) publish(line []byte) {
	select {
	case <-h.stop:
	case h.in <- line:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

type broadcastWriter struct {
	h   *LogHub
	mu  sync.Mutex
	buf []byte
}

func (w *broadcastWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(w.buf[start:], '\n')
		if i < 0 {
			break
		}
		end := start + i
		line := make([]byte, end-start)
		copy(line, w.buf[start:end])
		w.h.publish(line)
		start = end + 1
	}
	if start > 0 {
		w.buf = append([]byte{}, w.buf[start:]...)
	}
	w.mu.Unlock()
	return len(p), nil
}

// LogWriter returns a writer that broadcasts to all connected WebSocket clients
func LogWriter() io.Writer {
	writerOnce.Do(func() {
		logWriter = &broadcastWriter{h: GetLogHub()}
	})
	return logWriter
}

// HandleLogsWebSocket streams log lines, starting with the recent backlog.
func HandleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	h := GetLogHub()
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade logs WebSocket: %v", err)
		return
	}

	c := &logClient{ws: conn, send: make(chan []byte, clientBuffer)}
	log.Tracef("Logs WebSocket client connected: %s", r.RemoteAddr)

	select {
	case h.reg <- c:
	case <-h.stop:
		conn.Close()
		return
	}
	go c.writePump()
	readPump(conn, func() {
		select {
		case h.unreg <- c:
		case <-h.stop:
		}
	})
}

func (h *LogHub) Stop() {
	select {
	case <-h.stop:
		return
	default:
		close(h.stop)
	}
}

// Shutdown stops the log hub and disconnects its clients.
func Shutdown() {
	if logHub != nil {
		logHub.Stop()
	}
}

func (c *logClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages until the connection drops, then calls
// done.
func readPump(conn *websocket.Conn, done func()) {
	defer func() {
		done()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Tracef("WebSocket error: %v", err)
			}
			break
		}
	}
}
