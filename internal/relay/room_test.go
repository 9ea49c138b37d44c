package relay

import (
	"testing"
	"time"

	"github.com/sensacall/sensacall-server/internal/completion"
	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/persona"
	"github.com/sensacall/sensacall-server/internal/stats"
	"github.com/sensacall/sensacall-server/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRoom(t *testing.T, rs *RelayServer) *Room {
	p, _ := persona.NewRegistry().Get("luna")
	r := newRoom(rs, database.Conversation{Id: 10, ExternalId: "conv-1", AccountId: 1, PersonaId: "luna"}, p)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()
	return r
}

func Test_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	c := newTestClient(types.User{Id: 1, Username: "testuser"}, rs, t)
	room.addClient(c)
	assert.Len(t, room.clients, 1, "expected 1 client after adding")
	assert.Contains(t, room.clients, c, "expected room.clients to contain client")
	assert.Contains(t, room.userMap, c.user.Id, "expected userMap entry for the user")
	assert.Contains(t, c.rooms, "conv-1", "expected client to track the room")

	room.removeClient(c)
	assert.Len(t, room.clients, 0, "expected 0 clients after removal")
	assert.NotContains(t, room.userMap, c.user.Id, "expected userMap entry to be gone")
	assert.NotContains(t, c.rooms, "conv-1", "expected client to no longer track the room")

	// removing again is idempotent
	room.removeClient(c)
	assert.Len(t, room.clients, 0, "expected removal to stay idempotent")
}

func Test_handleTyping_notEchoedToOriginator(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.TypingEvents).Once()

	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	typist := newTestClient(types.User{Id: 1, Username: "typist"}, rs, t)
	watcher := newTestClient(types.User{Id: 2, Username: "watcher"}, rs, t)
	room.addClient(typist)
	room.addClient(watcher)

	room.handleTyping(&ClientMessage{
		Typing: &Typing{ConversationId: "conv-1", IsTyping: true},
		client: typist,
	})

	select {
	case msg := <-watcher.send:
		assert.NotNil(t, msg.UserTyping, "expected a user_typing event")
		assert.Equal(t, 1, msg.UserTyping.UserId, "expected the typist's user id")
		assert.True(t, msg.UserTyping.IsTyping, "expected isTyping true")
	default:
		t.Fatal("expected the watcher to observe the typing event")
	}

	assert.Empty(t, typist.send, "typing state must never be echoed to its originator")

	timer, ok := room.typingTimers[1]
	assert.True(t, ok, "expected an expiry timer to be armed")
	timer.Stop()
	su.AssertExpectations(t)
}

func Test_handleTyping_explicitClear(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.TypingEvents).Times(2)

	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	typist := newTestClient(types.User{Id: 1, Username: "typist"}, rs, t)
	watcher := newTestClient(types.User{Id: 2, Username: "watcher"}, rs, t)
	room.addClient(typist)
	room.addClient(watcher)

	room.handleTyping(&ClientMessage{Typing: &Typing{ConversationId: "conv-1", IsTyping: true}, client: typist})
	room.handleTyping(&ClientMessage{Typing: &Typing{ConversationId: "conv-1", IsTyping: false}, client: typist})

	first := <-watcher.send
	assert.True(t, first.UserTyping.IsTyping, "expected typing to start")
	second := <-watcher.send
	assert.False(t, second.UserTyping.IsTyping, "expected an explicit clear to propagate immediately")

	assert.NotContains(t, room.typingTimers, 1, "expected the expiry timer to be dropped")
}

func Test_typingAutoExpiry(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)
	go room.start()
	defer func() {
		close(room.exit)
		<-room.done
	}()

	typist := newTestClient(types.User{Id: 1, Username: "typist"}, rs, t)
	watcher := newTestClient(types.User{Id: 2, Username: "watcher"}, rs, t)
	room.addClient(typist)
	room.addClient(watcher)

	start := time.Now()
	room.clientMsgChan <- &ClientMessage{
		Typing: &Typing{ConversationId: "conv-1", IsTyping: true},
		client: typist,
	}

	msg := <-watcher.send
	assert.True(t, msg.UserTyping.IsTyping, "expected typing to start")

	// with no refresh, the marker must expire to false after the
	// quiescence window and not before
	select {
	case msg = <-watcher.send:
		elapsed := time.Since(start)
		assert.NotNil(t, msg.UserTyping, "expected a user_typing event")
		assert.False(t, msg.UserTyping.IsTyping, "expected auto-expiry to false")
		assert.GreaterOrEqual(t, elapsed, typingTTL, "expiry must not fire before the quiescence window")
	case <-time.After(typingTTL + time.Second):
		t.Fatal("typing marker never expired")
	}

	assert.Empty(t, typist.send, "expiry must not be echoed to the originator")
}

func Test_handleLeave_clearsTypingAndRepublishesPresence(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.TypingEvents).Once()

	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	leaver := newTestClient(types.User{Id: 1, Username: "leaver"}, rs, t)
	watcher := newTestClient(types.User{Id: 2, Username: "watcher"}, rs, t)
	room.addClient(leaver)
	room.addClient(watcher)

	room.handleTyping(&ClientMessage{Typing: &Typing{ConversationId: "conv-1", IsTyping: true}, client: leaver})
	<-watcher.send // typing true

	// transport close path: leave carries no request id
	room.handleLeave(&ClientMessage{
		Leave:  &Leave{ConversationId: "conv-1"},
		client: leaver,
	})

	msg := <-watcher.send
	assert.NotNil(t, msg.UserTyping, "expected the leaver's typing marker to be cleared")
	assert.False(t, msg.UserTyping.IsTyping, "expected isTyping false")

	msg = <-watcher.send
	assert.NotNil(t, msg.Presence, "expected a presence sync after the leave")
	assert.Len(t, msg.Presence.Presences, 1, "expected only the watcher to remain")
	assert.Equal(t, 2, msg.Presence.Presences[0].UserId, "expected the watcher's presence")

	assert.NotContains(t, room.typingTimers, 1, "expected the typing timer to be dropped")
}

func Test_presenceSnapshotRebuiltFromConnections(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	rs := newTestRelayServer(t, &database.MockSensaRepository{}, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	// two connections for one user collapse into one presence record
	c1 := newTestClient(types.User{Id: 1, Username: "u1"}, rs, t)
	c2 := newTestClient(types.User{Id: 1, Username: "u1"}, rs, t)
	room.addClient(c1)
	room.addClient(c2)

	presences := room.presenceSnapshot()
	assert.Len(t, presences, 1, "expected one presence record per user")
	assert.Equal(t, types.PresenceOnline, presences[0].Status, "expected online status")

	room.removeClient(c1)
	assert.Len(t, room.presenceSnapshot(), 1, "user with a surviving connection stays online")

	room.removeClient(c2)
	assert.Empty(t, room.presenceSnapshot(), "all presence is lost with the last connection")
}
