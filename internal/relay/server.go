package relay

import (
	"context"
	"log"
	"sync"

	"github.com/sensacall/sensacall-server/internal/completion"
	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/persona"
	"github.com/sensacall/sensacall-server/internal/stats"
	"github.com/sensacall/sensacall-server/internal/usage"
)

// RelayServer owns the connection and room tables for one process. It
// is constructed explicitly and injected where needed; its lifetime is
// managed by the hosting application's startup and shutdown hooks.
type RelayServer struct {
	log            *log.Logger
	db             database.SensaRepository
	completions    completion.Client
	personas       *persona.Registry
	ledger         *usage.Ledger
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	RegisterChan   chan *Client
	DeregisterChan chan *Client
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

func NewRelayServer(
	logger *log.Logger,
	db database.SensaRepository,
	completions completion.Client,
	personas *persona.Registry,
	ledger *usage.Ledger,
	statsProvider stats.StatsProvider,
) (*RelayServer, error) {
	rs := &RelayServer{
		log:            logger,
		db:             db,
		completions:    completions,
		personas:       personas,
		ledger:         ledger,
		stats:          statsProvider,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		RegisterChan:   make(chan *Client),
		DeregisterChan: make(chan *Client),
		unloadRoomChan: make(chan string, 256),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	rs.stats.RegisterMetric(stats.ActiveConnections)
	rs.stats.RegisterMetric(stats.ActiveRooms)
	rs.stats.RegisterMetric(stats.MessagesSent)
	rs.stats.RegisterMetric(stats.CompletionsRequested)
	rs.stats.RegisterMetric(stats.CompletionTokens)
	rs.stats.RegisterMetric(stats.TypingEvents)

	return rs, nil
}

func (rs *RelayServer) Run() {
	for {
		select {
		case joinMsg := <-rs.joinChan:
			rs.handleJoin(joinMsg)
		case client := <-rs.RegisterChan:
			rs.log.Printf("adding connection %s for user %q", client.id, client.user.Username)
			rs.addClient(client)
			rs.stats.Incr(stats.ActiveConnections)
		case client := <-rs.DeregisterChan:
			rs.log.Printf("removing connection %s for user %q", client.id, client.user.Username)
			rs.removeClient(client)
			rs.stats.Decr(stats.ActiveConnections)
		case id := <-rs.unloadRoomChan:
			if r, ok := rs.rooms[id]; ok {
				rs.unloadRoom(id)
				close(r.exit)
				<-r.done
			}
		case <-rs.stop:
			rs.log.Println("shutting down rooms")
			for _, r := range rs.rooms {
				close(r.exit)
				<-r.done
			}

			close(rs.done)
			return
		}
	}
}

// handleJoin admits the connection to an existing room or loads one
// lazily after the ownership check. A conversation that does not exist
// or belongs to another user yields the same not-found error, and the
// connection is never added to the room.
func (rs *RelayServer) handleJoin(joinMsg *ClientMessage) {
	if room, ok := rs.rooms[joinMsg.Join.ConversationId]; ok {
		if room.conversation.AccountId != joinMsg.client.user.Id {
			joinMsg.client.queueMessage(ErrConversationNotFound(joinMsg.Id))
			return
		}
		select {
		case room.joinChan <- joinMsg:
		default:
			rs.log.Printf("join channel full on room %q", room.conversation.ExternalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	conv, err := rs.db.GetConversation(joinMsg.Join.ConversationId, joinMsg.client.user.Id)
	if err != nil {
		joinMsg.client.queueMessage(ErrConversationNotFound(joinMsg.Id))
		return
	}

	p, ok := rs.personas.Get(conv.PersonaId)
	if !ok {
		rs.log.Printf("conversation %q references unknown persona %q", conv.ExternalId, conv.PersonaId)
		joinMsg.client.queueMessage(ErrConversationNotFound(joinMsg.Id))
		return
	}

	room := newRoom(rs, conv, p)
	rs.rooms[conv.ExternalId] = room
	rs.stats.Incr(stats.ActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (rs *RelayServer) addClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	rs.clients[c] = struct{}{}
}

func (rs *RelayServer) removeClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	delete(rs.clients, c)
}

func (rs *RelayServer) unloadRoom(conversationId string) {
	if _, ok := rs.rooms[conversationId]; ok {
		rs.log.Printf("removing room %q", conversationId)
		delete(rs.rooms, conversationId)
		rs.stats.Decr(stats.ActiveRooms)
	}
}

// UnloadRoom asks the relay loop to retire a conversation's room,
// used when the conversation is deleted through the REST surface.
// Unloading a conversation with no loaded room is a no-op.
func (rs *RelayServer) UnloadRoom(ctx context.Context, conversationId string) error {
	select {
	case rs.unloadRoomChan <- conversationId:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RelayServer) Shutdown(ctx context.Context) error {
	rs.log.Println("relay shutting down")

	rs.clientsLock.Lock()
	for c := range rs.clients {
		c.stopClient()
	}
	rs.clientsLock.Unlock()

	close(rs.stop)

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
