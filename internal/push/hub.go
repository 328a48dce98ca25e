package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/tablutboard/internal/obslog"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the live channel connections of this instance and delivers envelopes to them.
type Hub struct {
	tokens *Tokens
	broker Broker

	mu    sync.RWMutex
	conns map[string]map[*client]struct{}

	pingInterval   time.Duration
	originPatterns []string
}

type HubOption func(*Hub)

// WithPingInterval overrides the 30s keepalive interval.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from the given host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = append(h.originPatterns, patterns...) }
}

func NewHub(tokens *Tokens, broker Broker, opts ...HubOption) *Hub {
	h := &Hub{
		tokens:       tokens,
		broker:       broker,
		conns:        make(map[string]map[*client]struct{}),
		pingInterval: 30 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start subscribes the hub to its broker.
func (h *Hub) Start(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliver)
}

// Send publishes msg as JSON to every connection of clientID, on any instance.
func (h *Hub) Send(ctx context.Context, clientID string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, Envelope{ClientID: clientID, Payload: raw})
}

// Connected reports how many local connections clientID has.
func (h *Hub) Connected(clientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[clientID])
}

// ServeWS upgrades GET /channel?token=... into a server-to-client push channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID, err := h.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		obslog.L().Warn("channel_reject", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("channel_accept_error", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	cl := &client{id: clientID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(cl)
	defer h.unregister(cl)
	obslog.L().Info("channel_open", zap.String("client_id", clientID))

	// the channel is one-way; CloseRead handles control frames and reports when the peer goes away
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, cl)
	if err != nil && !errors.Is(err, context.Canceled) {
		obslog.L().Info("channel_closed", zap.String("client_id", clientID), zap.Error(err))
		_ = conn.Close(websocket.StatusGoingAway, "closing")
		return
	}
	obslog.L().Info("channel_closed", zap.String("client_id", clientID))
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, cl *client) error {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	pingFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-cl.send:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := cl.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return err
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := cl.conn.Ping(pctx)
			cancel()
			if err != nil {
				pingFailures++
				if pingFailures >= 2 {
					return err
				}
				continue
			}
			pingFailures = 0
		}
	}
}

func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.conns[env.ClientID] {
		select {
		case cl.send <- env.Payload:
		default:
			obslog.L().Warn("channel_drop_slow_client", zap.String("client_id", cl.id))
		}
	}
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[cl.id]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[cl.id] = set
	}
	set[cl] = struct{}{}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[cl.id]
	delete(set, cl)
	if len(set) == 0 {
		delete(h.conns, cl.id)
	}
}

// Close drops every local connection and closes the broker.
func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*client
	for id, set := range h.conns {
		for cl := range set {
			all = append(all, cl)
		}
		delete(h.conns, id)
	}
	h.mu.Unlock()
	for _, cl := range all {
		_ = cl.conn.Close(websocket.StatusGoingAway, "shutdown")
	}
	return h.broker.Close()
}
