package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yshengliao/hashnav/config"
	"github.com/yshengliao/hashnav/internal/testutil/mock"
	"github.com/yshengliao/hashnav/internal/views"
)

// echoNavigator renders a list view for every fragment it is sent to.
type echoNavigator struct {
	mu      sync.Mutex
	out     views.Output
	history []string
	current string
	closed  bool
}

func (n *echoNavigator) Start() { n.render() }

func (n *echoNavigator) Navigate(fragment string) {
	n.mu.Lock()
	n.history = append(n.history, n.current)
	n.current = fragment
	n.mu.Unlock()
	n.render()
}

func (n *echoNavigator) Back() bool {
	n.mu.Lock()
	if len(n.history) == 0 {
		n.mu.Unlock()
		return false
	}
	n.current = n.history[len(n.history)-1]
	n.history = n.history[:len(n.history)-1]
	n.mu.Unlock()
	n.render()
	return true
}

func (n *echoNavigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *echoNavigator) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *echoNavigator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *echoNavigator) render() {
	cur := n.Current()
	if cur == "" {
		cur = "/places"
	}
	n.out.Render(views.View{Kind: views.KindList, Fragment: cur, Body: "page " + cur})
}

type fixture struct {
	hub  *Hub
	srv  *httptest.Server
	mu   sync.Mutex
	navs []*echoNavigator
	logs *mock.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := mock.NewLogger()
	f := &fixture{hub: NewHub(logger.Logger), logs: logger}
	go f.hub.Run()

	cfg := config.DefaultConfig().Server.WebSocket
	h := NewHandler(f.hub, func(ctx context.Context, out views.Output) Navigator {
		n := &echoNavigator{out: out}
		f.mu.Lock()
		f.navs = append(f.navs, n)
		f.mu.Unlock()
		return n
	}, cfg, logger.Logger)

	e := echo.New()
	h.Register(e, "/ws")
	f.srv = httptest.NewServer(e)
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.hub.Shutdown(ctx)
	})
	return f
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSession_WelcomeAndInitialView(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	welcome := read(t, conn)
	assert.Equal(t, TypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.SessionID)

	view := read(t, conn)
	assert.Equal(t, TypeView, view.Type)
	require.NotNil(t, view.View)
	assert.Equal(t, "/places", view.View.Fragment)

	assert.Eventually(t, func() bool { return f.hub.Metrics().Sessions == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_StartingFragment(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "?fragment=/places/3")

	read(t, conn) // welcome
	// Navigate renders once, Start renders the current fragment again.
	assert.Equal(t, "/places/3", read(t, conn).Fragment)
	assert.Equal(t, "/places/3", read(t, conn).Fragment)
}

func TestSession_NavigateBackPing(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	read(t, conn)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeNavigate, Fragment: "/places?q=kyoto"}))
	msg := read(t, conn)
	assert.Equal(t, TypeView, msg.Type)
	assert.Equal(t, "page /places?q=kyoto", msg.View.Body)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	pong := read(t, conn)
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, "/places?q=kyoto", pong.Fragment)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeBack}))
	assert.Equal(t, "/places", read(t, conn).Fragment)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeBack}))
	assert.Equal(t, TypeError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
	bad := read(t, conn)
	assert.Equal(t, TypeError, bad.Type)
	assert.Equal(t, "dance", bad.Data["type"])

	m := f.hub.Metrics()
	assert.EqualValues(t, 5, m.MessagesIn)
	assert.GreaterOrEqual(t, m.MessagesOut, int64(7))
}

func TestHub_Broadcast(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "")
	b := f.dial(t, "")
	for _, c := range []*websocket.Conn{a, b} {
		read(t, c)
		read(t, c)
	}
	require.Eventually(t, func() bool { return f.hub.Metrics().Sessions == 2 }, time.Second, 5*time.Millisecond)

	f.hub.Broadcast(&Message{Type: TypeNotice, Data: map[string]any{"event": "dataset_reloaded"}})
	for _, c := range []*websocket.Conn{a, b} {
		msg := read(t, c)
		assert.Equal(t, TypeNotice, msg.Type)
		assert.Equal(t, "dataset_reloaded", msg.Data["event"])
	}
}

func TestSession_DisconnectClosesNavigator(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	read(t, conn)
	read(t, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Metrics().Sessions == 0 }, 2*time.Second, 5*time.Millisecond)

	f.mu.Lock()
	nav := f.navs[0]
	f.mu.Unlock()
	assert.True(t, nav.isClosed())
	assert.Equal(t, 1, f.logs.Count("session closed"))
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	read(t, conn)
	read(t, conn)
	require.Eventually(t, func() bool { return f.hub.Metrics().Sessions == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	// A second shutdown is a no-op.
	require.NoError(t, f.hub.Shutdown(ctx))
	assert.Equal(t, 0, f.hub.Metrics().Sessions)
}

var _ Navigator = (*views.Client)(nil)
