package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/devdock/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// broadcastTopics reach every connection; log lines need an explicit
// subscription per project.
var broadcastTopics = []event.Topic{event.TopicStatus, event.TopicHealth, event.TopicResource, event.TopicPorts}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the listener is loopback-only by default
	CheckOrigin: func(*http.Request) bool { return true },
}

// ClientMessage is sent by websocket clients to manage log subscriptions.
type ClientMessage struct {
	Type      string `json:"type"` // subscribe | unsubscribe
	ProjectID string `json:"projectId"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsConn serializes writes to one websocket and tracks its log subscriptions.
type wsConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	mu   sync.Mutex
	logs map[string]*event.Subscription
	wg   sync.WaitGroup
}

func (w *wsConn) write(v any) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return w.ws.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// forward copies sub to the socket until the subscription ends.
func (w *wsConn) forward(sub *event.Subscription) {
	defer w.wg.Done()
	for e := range sub.C() {
		if err := w.write(e); err != nil {
			sub.Close()
			return
		}
	}
}

func (r *Router) events(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn := &wsConn{ws: ws, logs: make(map[string]*event.Subscription)}

	global := r.be.Subscribe(event.Filter{Topics: broadcastTopics})
	conn.wg.Add(1)
	go conn.forward(global)

	stop := make(chan struct{})
	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := conn.ping(); err != nil {
					return
				}
			case <-global.Done():
				if global.Err() != nil {
					r.log.Warn("websocket client lagged, closing", "remote", c.Request.RemoteAddr)
					_ = ws.Close()
				}
				return
			case <-stop:
				return
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		r.handleClientMessage(conn, msg)
	}

	close(stop)
	global.Close()
	conn.mu.Lock()
	for id, sub := range conn.logs {
		sub.Close()
		delete(conn.logs, id)
	}
	conn.mu.Unlock()
	_ = ws.Close()
	conn.wg.Wait()
}

func (r *Router) handleClientMessage(conn *wsConn, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if _, err := r.be.Project(msg.ProjectID); err != nil {
			_ = conn.write(errorMessage{Type: "error", Error: err.Error()})
			return
		}
		conn.mu.Lock()
		defer conn.mu.Unlock()
		if _, dup := conn.logs[msg.ProjectID]; dup {
			return
		}
		sub := r.be.SubscribeLogs(msg.ProjectID)
		conn.logs[msg.ProjectID] = sub
		conn.wg.Add(1)
		go conn.forward(sub)
	case "unsubscribe":
		conn.mu.Lock()
		if sub := conn.logs[msg.ProjectID]; sub != nil {
			sub.Close()
			delete(conn.logs, msg.ProjectID)
		}
		conn.mu.Unlock()
	default:
		_ = conn.write(errorMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}
