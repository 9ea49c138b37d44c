package relay

import (
	"log"
	"sync"
	"time"

	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/persona"
	"github.com/sensacall/sensacall-server/internal/stats"
	"github.com/sensacall/sensacall-server/internal/types"
)

const (
	idleRoomTimeout = 30 * time.Second
	// typingTTL is the quiescence window after which an unrefreshed
	// typing marker expires to false.
	typingTTL = 3 * time.Second
)

// Room is the broadcast group for one conversation. Created lazily on
// first join, unloaded after sitting empty for idleRoomTimeout. Its
// membership and typing tables are process-local and hold no authority
// over persisted state.
type Room struct {
	conversation  database.Conversation
	persona       persona.Persona
	rs            *RelayServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	typingExpired chan int
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	typingTimers  map[int]*time.Timer
	log           *log.Logger
	killTimer     *time.Timer
	exit          chan struct{}
	done          chan struct{}
}

func newRoom(rs *RelayServer, conv database.Conversation, p persona.Persona) *Room {
	return &Room{
		conversation:  conv,
		persona:       p,
		rs:            rs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		typingExpired: make(chan int, 16),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		typingTimers:  make(map[int]*time.Timer),
		log:           rs.log,
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.conversation.ExternalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Publish != nil:
				// the pipeline suspends only this message; the room
				// keeps servicing other traffic while it runs
				go r.runSendPipeline(msg)
			case msg.Typing != nil:
				r.handleTyping(msg)
			}
		case userId := <-r.typingExpired:
			r.expireTyping(userId)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.conversation.ExternalId)
	select {
	case r.rs.unloadRoomChan <- r.conversation.ExternalId:
	default:
		// retry on the next idle period
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room %q is exiting", r.conversation.ExternalId)

	for userId, timer := range r.typingTimers {
		timer.Stop()
		delete(r.typingTimers, userId)
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.conversation.ExternalId)
	}
	r.clientLock.Unlock()

	close(r.done)
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client
	r.addClient(c)

	c.queueMessage(NoErrJoined(join.Id, r.conversation.ExternalId))

	// recompute and redistribute the full presence set
	r.broadcastPresence()
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	r.removeClient(client)

	// drop the user's typing marker once no connection of theirs remains
	if r.userMap[client.user.Id] == nil {
		if timer, ok := r.typingTimers[client.user.Id]; ok {
			timer.Stop()
			delete(r.typingTimers, client.user.Id)
			r.broadcastTyping(client.user.Id, false)
		}
	}

	if leaveMsg.Leave != nil && leaveMsg.Id != 0 {
		client.queueMessage(NoErrLeft(leaveMsg.Id, r.conversation.ExternalId))
	}

	r.broadcastPresence()
}

// handleTyping debounces a connection's typing flag. True refreshes
// the expiry timer; false clears immediately. The originator never
// receives their own state back.
func (r *Room) handleTyping(msg *ClientMessage) {
	userId := msg.client.user.Id
	r.rs.stats.Incr(stats.TypingEvents)

	if msg.Typing.IsTyping {
		if timer, ok := r.typingTimers[userId]; ok {
			timer.Reset(typingTTL)
		} else {
			r.typingTimers[userId] = time.AfterFunc(typingTTL, func() {
				select {
				case r.typingExpired <- userId:
				case <-r.exit:
				}
			})
			r.broadcastTyping(userId, true)
		}
		return
	}

	if timer, ok := r.typingTimers[userId]; ok {
		timer.Stop()
		delete(r.typingTimers, userId)
	}
	r.broadcastTyping(userId, false)
}

func (r *Room) expireTyping(userId int) {
	if _, ok := r.typingTimers[userId]; !ok {
		return
	}
	delete(r.typingTimers, userId)
	r.broadcastTyping(userId, false)
}

func (r *Room) broadcastTyping(userId int, isTyping bool) {
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserTyping: &UserTyping{
			ConversationId: r.conversation.ExternalId,
			UserId:         userId,
			IsTyping:       isTyping,
		},
		SkipUserId: userId,
	})
}

// presenceSnapshot rebuilds the room's presence set from the
// currently tracked connections. Presence is ephemeral: losing all
// connections loses nothing but this.
func (r *Room) presenceSnapshot() []types.Presence {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	now := Now()
	presences := make([]types.Presence, 0, len(r.userMap))
	for userId := range r.userMap {
		presences = append(presences, types.Presence{
			UserId:    userId,
			Status:    types.PresenceOnline,
			UpdatedAt: now,
		})
	}
	return presences
}

func (r *Room) broadcastPresence() {
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Presence: &PresenceSync{
			ConversationId: r.conversation.ExternalId,
			Presences:      r.presenceSnapshot(),
		},
	})
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.conversation.ExternalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.conversation.ExternalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast queues a message on every member connection, honoring the
// skip fields. Safe to call from pipeline goroutines.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}
		if msg.SkipUserId != 0 && client.user.Id == msg.SkipUserId {
			continue
		}

		client.queueMessage(msg)
	}
}
