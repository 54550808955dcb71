package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"cotask/api/internal/app"
	"cotask/api/internal/metrics"
	"cotask/api/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 * 1024
)

type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	viewer       app.Session
	connectionID string

	mu   sync.Mutex
	subs map[string]app.Subscription
}

func newClient(hub *Hub, conn *websocket.Conn, viewer app.Session, connectionID string) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		viewer:       viewer,
		connectionID: connectionID,
		subs:         make(map[string]app.Subscription),
	}
}

// subKey makes subscriptions with the same name but different params
// independent of each other.
func subKey(sub app.Subscription) string {
	if len(sub.Params) == 0 {
		return sub.Name
	}
	keys := make([]string, 0, len(sub.Params))
	for key := range sub.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(sub.Name)
	for _, key := range keys {
		b.WriteByte('?')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(sub.Params[key])
	}
	return b.String()
}

func (c *Client) subscriptions() []app.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]app.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *Client) addSubscription(sub app.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey(sub)
	if _, ok := c.subs[key]; ok {
		c.subs[key] = sub
		return false
	}
	c.subs[key] = sub
	return true
}

func (c *Client) removeSubscription(sub app.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey(sub)
	if _, ok := c.subs[key]; !ok {
		return false
	}
	delete(c.subs, key)
	return true
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMsgSize)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("VALIDATION_ERROR", "invalid frame", app.Subscription{})
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case TypeSubscribe:
		sub := app.Subscription{Name: frame.Name, Params: frame.Params}
		if c.addSubscription(sub) {
			metrics.OpenSubscriptions.Inc()
		}
		c.push(ctx, sub)

	case TypeUnsubscribe:
		if c.removeSubscription(app.Subscription{Name: frame.Name, Params: frame.Params}) {
			metrics.OpenSubscriptions.Dec()
		}

	case TypeTyping:
		username := frame.Username
		if username == "" {
			username = c.viewer.UserName
		}
		action := presence.Action(frame.Action)
		if frame.Action == "" {
			action = presence.ActionTyping
		}
		err := c.hub.service.Presence().SetActivity(ctx, c.viewer.UserID, c.connectionID, username, action, frame.TargetID, frame.GroupID)
		if err != nil {
			c.sendMutationError(err)
		}

	case TypeCursor:
		var position presence.Position
		if frame.Position != nil {
			position = *frame.Position
		}
		err := c.hub.service.Presence().SetCursor(ctx, c.viewer.UserID, c.connectionID, frame.GroupID, frame.TaskID, position)
		if err != nil {
			c.sendMutationError(err)
		}

	case TypeSelection:
		var selection presence.Range
		if frame.Selection != nil {
			selection = *frame.Selection
		}
		err := c.hub.service.Presence().SetSelection(ctx, c.viewer.UserID, c.connectionID, frame.GroupID, frame.TaskID, selection)
		if err != nil {
			c.sendMutationError(err)
		}

	case TypeClear:
		err := c.hub.service.Presence().Clear(ctx, c.viewer.UserID, c.connectionID, presence.Action(frame.Action))
		if err != nil {
			c.sendMutationError(err)
		}

	default:
		c.sendError("VALIDATION_ERROR", "unknown frame type "+frame.Type, app.Subscription{})
	}
}

// push re-evaluates one subscription and sends the full result set. An
// authorization failure inside Evaluate surfaces as an error frame; the
// fail-closed reads return empty payloads instead.
func (c *Client) push(ctx context.Context, sub app.Subscription) {
	payload, err := c.hub.service.Evaluate(ctx, c.viewer, sub)
	if err != nil {
		c.sendEvaluationError(err, sub)
		return
	}
	c.enqueue(dataFrame(sub, payload))
}

func (c *Client) sendMutationError(err error) {
	c.sendEvaluationError(err, app.Subscription{})
}

func (c *Client) sendEvaluationError(err error, sub app.Subscription) {
	_, code, message, _ := app.MapError(err)
	c.sendError(code, message, sub)
}

func (c *Client) sendError(code, message string, sub app.Subscription) {
	c.enqueue(ErrorFrame{
		Type:   TypeError,
		Code:   code,
		Error:  message,
		Name:   sub.Name,
		Params: sub.Params,
	})
}

// enqueue marshals and buffers a frame for the write pump. A slow
// consumer loses frames rather than stalling the hub; the next matching
// event resends the full result set anyway.
func (c *Client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.log.WithError(err).Warn("marshal frame")
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.DroppedFrames.Inc()
		c.hub.log.WithField("user", c.viewer.UserID).Warn("send buffer full, dropping frame")
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
