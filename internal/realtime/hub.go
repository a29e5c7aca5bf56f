package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/clock"
	"raffle-core/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 8
)

// Invalidation tells a viewer to refetch the raffle's counts and tickets.
type Invalidation struct {
	Type     string    `json:"type"`
	RaffleID string    `json:"raffle_id"`
	At       time.Time `json:"at"`
}

// Hub keeps websocket viewers per raffle and implements events.Notifier.
type Hub struct {
	upgrader  websocket.Upgrader
	debouncer *Debouncer
	clock     clock.Clock
	log       logrus.FieldLogger

	mu   sync.RWMutex
	subs map[string]map[*viewer]struct{}
}

type viewer struct {
	conn     *websocket.Conn
	raffleID string
	send     chan []byte
}

var _ events.Notifier = (*Hub)(nil)

// NewHub returns a Hub that batches invalidations over window.
func NewHub(clk clock.Clock, window time.Duration, log logrus.FieldLogger) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clock: clk,
		log:   log,
		subs:  make(map[string]map[*viewer]struct{}),
	}
	h.debouncer = NewDebouncer(clk, window, h.broadcast)
	return h
}

// Notify queues an invalidation for the event's raffle.
func (h *Hub) Notify(_ context.Context, e events.Event) {
	if e.RaffleID != "" {
		h.debouncer.Add(e.RaffleID)
	}
}

// Serve upgrades the request and streams invalidations of raffleID
// until the viewer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, raffleID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	v := &viewer{conn: conn, raffleID: raffleID, send: make(chan []byte, sendBuffer)}
	h.register(v)

	go h.writeLoop(v)
	h.readLoop(v)
}

// Subscribers returns the number of viewers of raffleID.
func (h *Hub) Subscribers(raffleID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[raffleID])
}

// Close drops every viewer and stops pending flushes.
func (h *Hub) Close() {
	h.debouncer.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, viewers := range h.subs {
		for v := range viewers {
			close(v.send)
		}
		delete(h.subs, id)
	}
}

func (h *Hub) register(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[v.raffleID] == nil {
		h.subs[v.raffleID] = make(map[*viewer]struct{})
	}
	h.subs[v.raffleID][v] = struct{}{}
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewers, ok := h.subs[v.raffleID]
	if !ok {
		return
	}
	if _, ok := viewers[v]; !ok {
		return
	}
	delete(viewers, v)
	close(v.send)
	if len(viewers) == 0 {
		delete(h.subs, v.raffleID)
	}
}

// broadcast sends one invalidation per raffle. Viewers whose buffer is
// full are disconnected instead of blocking the flush.
func (h *Hub) broadcast(raffleIDs []string) {
	now := h.clock.Now()
	var slow []*viewer

	h.mu.RLock()
	for _, id := range raffleIDs {
		msg, err := json.Marshal(Invalidation{Type: "invalidate", RaffleID: id, At: now})
		if err != nil {
			continue
		}
		for v := range h.subs[id] {
			select {
			case v.send <- msg:
			default:
				slow = append(slow, v)
			}
		}
	}
	h.mu.RUnlock()

	for _, v := range slow {
		h.log.WithField("raffle_id", v.raffleID).Warn("dropping slow live viewer")
		h.unregister(v)
	}
}

func (h *Hub) readLoop(v *viewer) {
	defer func() {
		h.unregister(v)
		v.conn.Close()
	}()
	v.conn.SetReadLimit(maxMessageSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Viewers only listen; anything they send is discarded.
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
