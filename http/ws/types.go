package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	clientBuffer = 256
	logBacklog   = 200
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type LogHub struct {
	mu      sync.RWMutex
	clients map[*logClient]struct{}
	// backlog holds the latest lines for clients that connect mid-run.
	backlog [][]byte
	in      chan []byte
	reg     chan *logClient
	unreg   chan *logClient
	stop    chan struct{}
	dropped uint64
}

type logClient struct {
	ws   *websocket.Conn
	send chan []byte
}
