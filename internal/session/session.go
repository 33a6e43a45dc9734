package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/config"
	"github.com/yshengliao/hashnav/internal/views"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Session is one connected peer.
type Session struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	nav    Navigator
	cancel context.CancelFunc
	cfg    config.WebSocketConfig
	logger *zap.Logger

	mu     sync.Mutex
	send   chan *Message
	closed bool
}

// deliver queues msg without blocking. A full queue drops the message.
func (s *Session) deliver(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		s.hub.messagesOut.Add(1)
		return true
	default:
		s.hub.dropped.Add(1)
		s.logger.Warn("session send queue full", zap.String("type", msg.Type))
		return false
	}
}

// close stops the navigator and ends the write pump. It is idempotent.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	s.cancel()
	s.nav.Close()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		s.hub.messagesIn.Add(1)
		s.handle(&msg)
	}
}

func (s *Session) handle(msg *Message) {
	switch msg.Type {
	case TypeNavigate:
		s.logger.Debug("navigate", zap.String("fragment", msg.Fragment))
		s.nav.Navigate(msg.Fragment)
	case TypeBack:
		if !s.nav.Back() {
			s.deliver(&Message{Type: TypeError, Data: map[string]any{"message": "no history"}})
		}
	case TypePing:
		s.deliver(&Message{Type: TypePong, Fragment: s.nav.Current(), Data: map[string]any{"timestamp": time.Now().Unix()}})
	default:
		s.deliver(&Message{Type: TypeError, Data: map[string]any{"message": "unknown message type", "type": msg.Type}})
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler upgrades requests to WebSocket sessions.
type Handler struct {
	hub      *Hub
	factory  Factory
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, factory Factory, cfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:     hub,
		factory: factory,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Register mounts the handler on e at path.
func (h *Handler) Register(e *echo.Echo, path string) {
	e.GET(path, h.Serve)
}

// Serve upgrades the connection and starts the session. An optional "fragment"
// query parameter sets the starting fragment.
func (h *Handler) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     id,
		hub:    h.hub,
		conn:   conn,
		cancel: cancel,
		cfg:    h.cfg,
		logger: h.logger.With(zap.String("session_id", id)),
		send:   make(chan *Message, sendBuffer),
	}
	s.nav = h.factory(ctx, views.OutputFunc(func(v views.View) {
		s.deliver(&Message{Type: TypeView, Fragment: v.Fragment, View: &v})
	}))

	if !h.hub.add(s) {
		cancel()
		s.nav.Close()
		conn.Close()
		return nil
	}
	s.deliver(&Message{Type: TypeWelcome, SessionID: id})

	go s.writePump()
	go s.readPump()

	if fragment := c.QueryParam("fragment"); fragment != "" {
		s.nav.Navigate(fragment)
	}
	s.nav.Start()
	return nil
}
