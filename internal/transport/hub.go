// Hub and socket are adapted from the reference websocket hub used
// elsewhere in the retrieved pack: a register/unregister channel pair
// feeding a single select loop, per-client outbound buffering, and a
// ping ticker for liveness. Logging is routed through xlog (zerolog)
// rather than zap, to stay consistent with the rest of this codebase.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskauction/exchange/internal/xlog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	inboxBuffer    = 32
	outboxBuffer   = 32
)

// Hub maintains the set of connected agent sockets and fans out
// registration/unregistration bookkeeping.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]*wsSocket

	register   chan *wsSocket
	unregister chan *wsSocket
	stop       chan struct{}

	onConnect    func(agentID string)
	onDisconnect func(agentID string)
}

// NewHub creates an empty Hub. Call Run to start its bookkeeping loop.
func NewHub() *Hub {
	return &Hub{
		sockets:    make(map[string]*wsSocket),
		register:   make(chan *wsSocket, 16),
		unregister: make(chan *wsSocket, 16),
		stop:       make(chan struct{}),
	}
}

// OnConnect/OnDisconnect register callbacks invoked as agents join and
// leave, for the registry to react to (§4.6 connect/disconnect events).
func (h *Hub) OnConnect(fn func(agentID string))    { h.onConnect = fn }
func (h *Hub) OnDisconnect(fn func(agentID string)) { h.onDisconnect = fn }

// Run processes registration traffic until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sockets[s.agentID] = s
			h.mu.Unlock()
			if h.onConnect != nil {
				h.onConnect(s.agentID)
			}
		case s := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.sockets[s.agentID]; ok && cur == s {
				delete(h.sockets, s.agentID)
			}
			h.mu.Unlock()
			if h.onDisconnect != nil {
				h.onDisconnect(s.agentID)
			}
		case <-h.stop:
			h.mu.Lock()
			for _, s := range h.sockets {
				s.Close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down, closing every connected socket.
func (h *Hub) Stop() {
	close(h.stop)
}

// Get returns the live socket for agentID, if connected.
func (h *Hub) Get(agentID string) (AgentSocket, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sockets[agentID]
	return s, ok
}

// Accept wraps an already-upgraded websocket connection for agentID and
// registers it with the hub. The caller owns reading the HTTP upgrade;
// this only owns the connection's read/write pumps from that point on.
func (h *Hub) Accept(agentID string, conn *websocket.Conn) AgentSocket {
	s := &wsSocket{
		agentID: agentID,
		conn:    conn,
		inbox:   make(chan Message, inboxBuffer),
		outbox:  make(chan Message, outboxBuffer),
		closed:  make(chan struct{}),
		hub:     h,
	}
	h.register <- s
	go s.readPump()
	go s.writePump()
	return s
}

type wsSocket struct {
	agentID  string
	conn     *websocket.Conn
	inbox    chan Message
	outbox   chan Message
	closed   chan struct{}
	closeOnce sync.Once
	hub      *Hub
}

func (s *wsSocket) AgentID() string             { return s.agentID }
func (s *wsSocket) Inbox() <-chan Message        { return s.inbox }
func (s *wsSocket) Closed() <-chan struct{}      { return s.closed }

func (s *wsSocket) Send(m Message) error {
	select {
	case s.outbox <- m:
		return nil
	case <-s.closed:
		return errSocketClosed
	default:
		return errOutboxFull
	}
}

func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.unregister <- s
		s.conn.Close()
	})
	return nil
}

func (s *wsSocket) readPump() {
	defer s.Close()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var m Message
		if err := s.conn.ReadJSON(&m); err != nil {
			xlog.Agent(s.agentID).Debug().Err(err).Msg("agent socket read closed")
			return
		}
		select {
		case s.inbox <- m:
		default:
			xlog.Agent(s.agentID).Warn().Msg("agent inbox full, dropping message")
		}
	}
}

func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case m, ok := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(m); err != nil {
				xlog.Agent(s.agentID).Warn().Err(err).Msg("agent socket write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
