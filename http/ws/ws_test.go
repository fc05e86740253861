package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daniellavrushin/pktreplay/metrics"
	"github.com/daniellavrushin/pktreplay/replay"
	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastWriterSplitsLines(t *testing.T) {
	h := newLogHub()
	w := &broadcastWriter{h: h}

	w.Write([]byte("first\nsec"))
	w.Write([]byte("ond\n"))
	w.Write([]byte("partial"))

	var got []string
	for len(h.in) > 0 {
		got = append(got, string(<-h.in))
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("lines = %q", got)
	}
	if string(w.buf) != "partial" {
		t.Errorf("pending = %q", w.buf)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := newLogHub()
	for i := 0; i < cap(h.in)+10; i++ {
		h.publish([]byte("x"))
	}
	if h.dropped != 10 {
		t.Errorf("dropped = %d", h.dropped)
	}

	h.Stop()
	done := make(chan struct{})
	go func() {
		h.publish([]byte("after stop"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestLogsWebSocket(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(HandleLogsWebSocket))
	defer ts.Close()

	LogWriter().Write([]byte("replay started\n"))
	conn := dial(t, ts)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) == "replay started" {
			return
		}
	}
}

func TestMetricsWebSocket(t *testing.T) {
	m := metrics.NewCollector(nil)
	m.StateChanged(replay.Idle, replay.Running)
	m.PacketSent("eth1", 64)

	ts := httptest.NewServer(MetricsHandler(m))
	defer ts.Close()

	conn := dial(t, ts)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		State       string `json:"state"`
		PacketsSent uint64 `json:"packets_sent"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.State != "running" || snap.PacketsSent != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
