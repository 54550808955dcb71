package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/app"
	"cotask/api/internal/events"
	"cotask/api/internal/metrics"
)

const evaluateTimeout = 10 * time.Second

// Hub fans bus events out to connected clients. For every event it
// re-runs each matching subscription from scratch, so authorization is
// re-checked on every push and a revoked member's next update is an
// empty result set.
type Hub struct {
	service *app.Service
	log     *logrus.Entry

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	events     chan events.Event
	cancelBus  func()
}

func NewHub(service *app.Service, bus *events.Bus, log *logrus.Logger) *Hub {
	h := &Hub{
		service:    service,
		log:        log.WithField("component", "hub"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan events.Event, 256),
	}
	h.cancelBus = bus.Subscribe(h.onEvent)
	return h
}

// onEvent runs on the publisher's goroutine and must not block. Under
// burst the channel drops events; dropped events only delay a push until
// the next one, because every push carries the full result set.
func (h *Hub) onEvent(event events.Event) {
	select {
	case h.events <- event:
	default:
		h.log.WithField("topic", string(event.Topic)).Warn("event buffer full, dropping")
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer h.cancelBus()
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(ctx, client)
		case event := <-h.events:
			h.dispatch(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	metrics.ConnectedClients.Inc()
	h.log.WithFields(logrus.Fields{
		"user":       client.viewer.UserID,
		"connection": client.connectionID,
	}).Info("client joined")
}

func (h *Hub) removeClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.ConnectedClients.Dec()
	metrics.OpenSubscriptions.Sub(float64(len(client.subscriptions())))

	closeCtx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()
	if err := h.service.Presence().OnConnectionClose(closeCtx, client.connectionID); err != nil {
		h.log.WithError(err).WithField("connection", client.connectionID).Warn("connection cleanup failed")
	}

	h.log.WithFields(logrus.Fields{
		"user":       client.viewer.UserID,
		"connection": client.connectionID,
	}).Info("client left")
}

// dispatch re-evaluates every subscription the event can affect. Each
// client gets its own view; nothing computed for one viewer is reused
// for another.
func (h *Hub) dispatch(ctx context.Context, event events.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		for _, sub := range client.subscriptions() {
			if !app.Matches(client.viewer.UserID, sub, event) {
				continue
			}
			pushCtx, cancel := context.WithTimeout(ctx, evaluateTimeout)
			client.push(pushCtx, sub)
			cancel()
		}
	}
}
