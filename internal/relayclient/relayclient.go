// Package relayclient is the connecting half of the relay protocol: a
// reconnecting websocket session that tracks joined conversations and
// restores them after a drop.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sensacall/sensacall-server/internal/relay"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	maxRetries  = 5
)

// ErrNotConnected is returned by every operation attempted while the
// session is not in the connected state. Callers queue and resubmit;
// nothing is buffered here.
var ErrNotConnected = errors.New("relayclient: not connected")

// Conn is a reconnecting relay session. Status transitions and
// incoming events are delivered through the callbacks, which are
// invoked from the session goroutine and must not block.
type Conn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *log.Logger

	// OnStatus observes every state transition. Set before Run.
	OnStatus func(Status)
	// OnMessage receives every event the relay delivers. Set before Run.
	OnMessage func(*relay.ServerMessage)

	ws        *websocket.Conn
	wsLock    sync.Mutex
	status    Status
	statLock  sync.RWMutex
	baseDelay time.Duration

	// conversations joined in this session, rejoined after reconnect
	joined     map[string]bool
	joinedLock sync.Mutex

	nextId int
	idLock sync.Mutex
}

func NewConn(logger *log.Logger, url, token string) *Conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	return &Conn{
		url:       url,
		header:    header,
		dialer:    websocket.DefaultDialer,
		log:       logger,
		status:    StatusDisconnected,
		baseDelay: backoffBase,
		joined:    make(map[string]bool),
	}
}

func (c *Conn) Status() Status {
	c.statLock.RLock()
	defer c.statLock.RUnlock()
	return c.status
}

func (c *Conn) setStatus(s Status) {
	c.statLock.Lock()
	changed := c.status != s
	c.status = s
	c.statLock.Unlock()

	if changed && c.OnStatus != nil {
		c.OnStatus(s)
	}
}

// Run maintains the session until ctx is canceled or the retry budget
// is spent. Each successful connection resets the budget; a failure
// waits base*2^n up to the cap before redialing. After maxRetries
// consecutive failures the session enters the error state and Run
// returns the last dial or read error.
func (c *Conn) Run(ctx context.Context) error {
	failures := 0

	for {
		c.setStatus(StatusConnecting)

		ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
			}
			failures++
			if done := c.retryWait(ctx, failures, err); done != nil {
				return done
			}
			continue
		}

		failures = 0
		c.wsLock.Lock()
		c.ws = ws
		c.wsLock.Unlock()
		c.setStatus(StatusConnected)
		c.rejoin()

		err = c.readLoop(ws)
		c.wsLock.Lock()
		c.ws = nil
		c.wsLock.Unlock()
		ws.Close()
		c.setStatus(StatusDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		failures++
		if done := c.retryWait(ctx, failures, err); done != nil {
			return done
		}
	}
}

// retryWait sleeps through the backoff window for the given failure
// count. A non-nil return means the session is over.
func (c *Conn) retryWait(ctx context.Context, failures int, cause error) error {
	if failures > maxRetries {
		c.setStatus(StatusError)
		return fmt.Errorf("giving up after %d attempts: %w", maxRetries, cause)
	}

	delay := retryDelay(c.baseDelay, failures)
	c.log.Printf("connection lost (%v), retrying in %s", cause, delay)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay doubles per consecutive failure, starting at base and
// capped. failures is 1-based.
func retryDelay(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		msg := &relay.ServerMessage{}
		if err := ws.ReadJSON(msg); err != nil {
			return err
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// rejoin replays the join set on a fresh connection.
func (c *Conn) rejoin() {
	c.joinedLock.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.joinedLock.Unlock()

	for _, id := range ids {
		if err := c.write(&relay.ClientMessage{
			BaseMessage: c.stamp(),
			Join:        &relay.Join{ConversationId: id},
		}); err != nil {
			c.log.Println("rejoin:", err)
			return
		}
	}
}

func (c *Conn) Join(conversationId string) error {
	err := c.write(&relay.ClientMessage{
		BaseMessage: c.stamp(),
		Join:        &relay.Join{ConversationId: conversationId},
	})
	if err != nil {
		return err
	}

	c.joinedLock.Lock()
	c.joined[conversationId] = true
	c.joinedLock.Unlock()
	return nil
}

func (c *Conn) Leave(conversationId string) error {
	c.joinedLock.Lock()
	delete(c.joined, conversationId)
	c.joinedLock.Unlock()

	return c.write(&relay.ClientMessage{
		BaseMessage: c.stamp(),
		Leave:       &relay.Leave{ConversationId: conversationId},
	})
}

func (c *Conn) Send(conversationId, content string) error {
	return c.write(&relay.ClientMessage{
		BaseMessage: c.stamp(),
		Publish:     &relay.Publish{ConversationId: conversationId, Content: content},
	})
}

func (c *Conn) Typing(conversationId string, isTyping bool) error {
	return c.write(&relay.ClientMessage{
		BaseMessage: c.stamp(),
		Typing:      &relay.Typing{ConversationId: conversationId, IsTyping: isTyping},
	})
}

func (c *Conn) write(msg *relay.ClientMessage) error {
	c.wsLock.Lock()
	defer c.wsLock.Unlock()

	if c.ws == nil || c.Status() != StatusConnected {
		return ErrNotConnected
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) stamp() relay.BaseMessage {
	c.idLock.Lock()
	c.nextId++
	id := c.nextId
	c.idLock.Unlock()

	return relay.BaseMessage{Id: id, Timestamp: relay.Now()}
}
