package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Event is one message of the /events stream.
type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (c *Client) eventsURL() string {
	u := c.baseURL + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Events streams every broadcast event, plus the log lines of the given
// projects, until ctx is done or the connection drops.
func (c *Client) Events(ctx context.Context, logProjects []string, fn func(Event)) error {
	dialer := websocket.Dialer{TLSClientConfig: c.tls, HandshakeTimeout: c.client.Timeout}
	ws, _, err := dialer.DialContext(ctx, c.eventsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer func() { _ = ws.Close() }()

	for _, id := range logProjects {
		if err := ws.WriteJSON(map[string]string{"type": "subscribe", "projectId": id}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	for {
		var e Event
		if err := ws.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read events: %w", err)
		}
		if e.Type == "error" {
			return &APIError{Message: e.Error}
		}
		fn(e)
	}
}

// FollowLogs calls fn with the buffered lines of project id first and then
// with every live line.
func (c *Client) FollowLogs(ctx context.Context, id string, fn func(LogEntry)) error {
	return c.Events(ctx, []string{id}, func(e Event) {
		if e.Type != "log" || e.ProjectID != id {
			return
		}
		var entry LogEntry
		if err := json.Unmarshal(e.Payload, &entry); err != nil {
			c.logger.Debug("undecodable log event", "error", err)
			return
		}
		fn(entry)
	})
}
