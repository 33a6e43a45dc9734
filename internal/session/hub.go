// Package session drives browsing clients over WebSocket. Each connection gets its
// own router and location; the peer sends fragments and receives rendered views.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/internal/views"
)

// Message types.
const (
	TypeWelcome  = "welcome"
	TypeNavigate = "navigate"
	TypeBack     = "back"
	TypeView     = "view"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeNotice   = "notice"
	TypeError    = "error"
)

// Message is the JSON frame exchanged with peers.
type Message struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Fragment  string         `json:"fragment,omitempty"`
	View      *views.View    `json:"view,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Navigator is the browsing state behind one session. *views.Client implements it.
type Navigator interface {
	Start()
	Navigate(fragment string)
	Back() bool
	Current() string
	Close()
}

// Factory builds the navigator of a new session. Views rendered by it go to out.
type Factory func(ctx context.Context, out views.Output) Navigator

// Metrics are hub counters.
type Metrics struct {
	Sessions      int           `json:"sessions"`
	TotalSessions int64         `json:"total_sessions"`
	MessagesIn    int64         `json:"messages_in"`
	MessagesOut   int64         `json:"messages_out"`
	Dropped       int64         `json:"dropped"`
	Uptime        time.Duration `json:"uptime"`
}

// Hub tracks live sessions. All session-set mutations happen on the Run goroutine.
type Hub struct {
	sessions   map[*Session]struct{}
	register   chan *Session
	unregister chan *Session
	broadcast  chan *Message
	metricsReq chan chan Metrics

	shutdown     chan struct{}
	shutdownDone chan struct{}
	shutdownOnce sync.Once

	logger *zap.Logger
	start  time.Time

	total       atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	dropped     atomic.Int64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:     make(map[*Session]struct{}),
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		broadcast:    make(chan *Message, 64),
		metricsReq:   make(chan chan Metrics),
		shutdown:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
		logger:       logger,
		start:        time.Now(),
	}
}

// Run is the hub loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.shutdownDone)
	for {
		select {
		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.total.Add(1)
			h.logger.Info("session opened", zap.String("session_id", s.ID), zap.String("fragment", s.nav.Current()))

		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				s.close()
				h.logger.Info("session closed", zap.String("session_id", s.ID))
			}

		case msg := <-h.broadcast:
			for s := range h.sessions {
				s.deliver(msg)
			}

		case resp := <-h.metricsReq:
			resp <- Metrics{
				Sessions:      len(h.sessions),
				TotalSessions: h.total.Load(),
				MessagesIn:    h.messagesIn.Load(),
				MessagesOut:   h.messagesOut.Load(),
				Dropped:       h.dropped.Load(),
				Uptime:        time.Since(h.start),
			}

		case <-h.shutdown:
			h.logger.Info("closing sessions", zap.Int("count", len(h.sessions)))
			for s := range h.sessions {
				delete(h.sessions, s)
				s.close()
			}
			return
		}
	}
}

func (h *Hub) add(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.shutdown:
		return false
	}
}

func (h *Hub) remove(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.shutdown:
	}
}

// Broadcast queues msg for every session. It drops the message when the queue is full.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	case <-h.shutdown:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full", zap.String("type", msg.Type))
	}
}

// Metrics returns a snapshot of the counters.
func (h *Hub) Metrics() Metrics {
	resp := make(chan Metrics, 1)
	select {
	case h.metricsReq <- resp:
		return <-resp
	case <-h.shutdown:
		return Metrics{TotalSessions: h.total.Load()}
	}
}

// Shutdown closes every session and stops Run, waiting at most until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
	select {
	case <-h.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
