package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zeropr/lanchat/internal/gateway"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	clientBuffer  = 64
	maxClientRead = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API binds to loopback by default
	},
}

// Event is one frame of the /ws/events stream.
type Event struct {
	Kind    string           `json:"kind"`
	Message *gateway.Message `json:"message,omitempty"`
	Status  *StatusEvent     `json:"status,omitempty"`
}

// StatusEvent is the JSON form of a gateway status.
type StatusEvent struct {
	Event string    `json:"event"`
	Peer  string    `json:"peer,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

const (
	KindMessage = "message"
	KindStatus  = "status"
)

func newStatusEvent(st gateway.Status) *StatusEvent {
	ev := &StatusEvent{Event: st.Event, Peer: st.Peer, Time: st.Time}
	if st.Err != nil {
		ev.Error = st.Err.Error()
	}
	return ev
}

type hub struct {
	gw  *gateway.Gateway
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func newHub(gw *gateway.Gateway, log zerolog.Logger) *hub {
	return &hub{
		gw:      gw,
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Event, clientBuffer),
		done: make(chan struct{}),
	}
	h.add(c)
	defer h.remove(c)

	cancel := h.gw.Observe(
		func(m gateway.Message) { c.push(Event{Kind: KindMessage, Message: &m}) },
		func(st gateway.Status) { c.push(Event{Kind: KindStatus, Status: newStatusEvent(st)}) },
	)
	defer cancel()

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream connected")
	go c.writeLoop(h.log)
	c.readLoop()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream closed")
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// push drops the event when the client is not keeping up.
func (c *client) push(ev Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxClientRead)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
