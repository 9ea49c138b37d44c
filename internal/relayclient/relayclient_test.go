package relayclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sensacall/sensacall-server/internal/relay"
	"github.com/sensacall/sensacall-server/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_retryDelay(t *testing.T) {
	tt := []struct {
		failures int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tc := range tt {
		assert.Equal(t, tc.expected, retryDelay(backoffBase, tc.failures),
			"unexpected delay for failure %d", tc.failures)
	}
}

func TestOperationsFailFastWhenDisconnected(t *testing.T) {
	c := NewConn(testutil.TestLogger(t), "ws://127.0.0.1:1/ws", "token")

	assert.ErrorIs(t, c.Send("conv-1", "hello"), ErrNotConnected)
	assert.ErrorIs(t, c.Join("conv-1"), ErrNotConnected)
	assert.ErrorIs(t, c.Leave("conv-1"), ErrNotConnected)
	assert.ErrorIs(t, c.Typing("conv-1", true), ErrNotConnected)
	assert.Equal(t, StatusDisconnected, c.Status())
}

// relayStub accepts websocket sessions and records the client
// messages each session delivers.
type relayStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	lock     sync.Mutex
	sessions [][]relay.ClientMessage
	conns    []*websocket.Conn
}

func (s *relayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}

	s.lock.Lock()
	idx := len(s.sessions)
	s.sessions = append(s.sessions, nil)
	s.conns = append(s.conns, conn)
	s.lock.Unlock()

	for {
		var msg relay.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.lock.Lock()
		s.sessions[idx] = append(s.sessions[idx], msg)
		s.lock.Unlock()
	}
}

func (s *relayStub) sessionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

func (s *relayStub) session(i int) []relay.ClientMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]relay.ClientMessage(nil), s.sessions[i]...)
}

func TestConnectAndSend(t *testing.T) {
	stub := &relayStub{t: t}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	c := NewConn(testutil.TestLogger(t), "ws"+strings.TrimPrefix(srv.URL, "http"), "token")

	statuses := make(chan Status, 8)
	c.OnStatus = func(s Status) { statuses <- s }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, StatusConnecting, <-statuses, "expected connecting first")
	assert.Equal(t, StatusConnected, <-statuses, "expected connected after dial")

	assert.NoError(t, c.Join("conv-1"))
	assert.NoError(t, c.Send("conv-1", "hello"))
	assert.NoError(t, c.Typing("conv-1", true))

	assert.Eventually(t, func() bool {
		return stub.sessionCount() == 1 && len(stub.session(0)) == 3
	}, time.Second, 10*time.Millisecond, "expected the stub to observe 3 messages")

	msgs := stub.session(0)
	assert.Equal(t, "conv-1", msgs[0].Join.ConversationId, "expected the join first")
	assert.Equal(t, "hello", msgs[1].Publish.Content, "expected the publish second")
	assert.True(t, msgs[2].Typing.IsTyping, "expected the typing flag last")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReconnectRestoresJoins(t *testing.T) {
	stub := &relayStub{t: t}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	c := NewConn(testutil.TestLogger(t), "ws"+strings.TrimPrefix(srv.URL, "http"), "token")
	c.baseDelay = 10 * time.Millisecond

	statuses := make(chan Status, 16)
	c.OnStatus = func(s Status) { statuses <- s }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Equal(t, StatusConnecting, <-statuses)
	assert.Equal(t, StatusConnected, <-statuses)
	assert.NoError(t, c.Join("conv-1"))
	assert.NoError(t, c.Join("conv-2"))

	assert.Eventually(t, func() bool {
		return len(stub.session(0)) == 2
	}, time.Second, 10*time.Millisecond, "expected both joins on the first session")

	// sever the first session from the server side
	stub.lock.Lock()
	stub.conns[0].Close()
	stub.lock.Unlock()

	assert.Equal(t, StatusDisconnected, <-statuses, "expected the drop to be observed")

	// reconnect happens after the first backoff window
	assert.Eventually(t, func() bool {
		return stub.sessionCount() == 2 && len(stub.session(1)) == 2
	}, 3*time.Second, 25*time.Millisecond, "expected the joins to be replayed")

	replayed := map[string]bool{}
	for _, msg := range stub.session(1) {
		replayed[msg.Join.ConversationId] = true
	}
	assert.True(t, replayed["conv-1"] && replayed["conv-2"], "expected both conversations rejoined")
}

func TestGivesUpAfterRetryBudget(t *testing.T) {
	c := NewConn(testutil.TestLogger(t), "ws://127.0.0.1:1/ws", "token")

	// shrink the windows so the budget is spent quickly
	c.dialer = &websocket.Dialer{HandshakeTimeout: 50 * time.Millisecond}
	c.baseDelay = time.Millisecond

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.Error(t, err, "expected a terminal error")
		assert.Equal(t, StatusError, c.Status(), "expected the error state")
	case <-time.After(5 * time.Second):
		t.Fatal("session never gave up")
	}
}
