package relay

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/sensacall/sensacall-server/internal/completion"
	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/stats"
	"github.com/sensacall/sensacall-server/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// drain empties a client's send queue into a slice.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func Test_runSendPipeline_happyPath(t *testing.T) {
	db := &database.MockSensaRepository{}
	defer db.AssertExpectations(t)
	cc := &completion.MockClient{}
	defer cc.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Add", mock.Anything, mock.Anything).Maybe()

	rs := newTestRelayServer(t, db, cc, su)
	room := newTestRoom(t, rs)

	sender := newTestClient(types.User{Id: 1, Username: "alice", Tier: types.TierFree}, rs, t)
	other := newTestClient(types.User{Id: 3, Username: "bob", Tier: types.TierFree}, rs, t)
	room.addClient(sender)
	room.addClient(other)

	// 3 of 50 messages used today
	db.On("GetUsage", 1, mock.Anything).Return(database.Usage{MessagesSent: 3}, nil).Once()

	var persisted []database.Message
	db.On("CreateMessage", mock.Anything).Run(func(args mock.Arguments) {
		persisted = append(persisted, args.Get(0).(database.Message))
	}).Return(nil).Twice()

	db.On("GetRecentMessages", 10, historyLimit).Return([]database.Message{
		{SenderType: "user", Content: "earlier"},
		{SenderType: "agent", Content: "reply"},
	}, nil).Once()

	cc.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Return(completion.NewFakeStream("Hello", " there!"), nil).Once()

	db.On("UpdateConversationOnMessage", 10, 2).Return(nil).Once()
	db.On("IncrementUsage", 1, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		delta := args.Get(2).(database.UsageDelta)
		assert.Equal(t, 2, delta.Messages, "expected both sides of the exchange to be counted")
		assert.GreaterOrEqual(t, delta.Credits, 0, "expected a non-negative credit charge")
	}).Return(nil).Once()

	room.runSendPipeline(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Publish:     &Publish{ConversationId: "conv-1", Content: "hello"},
		client:      sender,
	})

	// both envelopes were persisted, user first
	assert.Len(t, persisted, 2, "expected two persisted envelopes")
	assert.Equal(t, "user", persisted[0].SenderType, "expected the user envelope first")
	assert.Equal(t, "hello", persisted[0].Content, "expected the submitted content")
	assert.Equal(t, "agent", persisted[1].SenderType, "expected the agent envelope second")
	assert.Equal(t, "Hello there!", persisted[1].Content, "expected the assembled completion")
	assert.Greater(t, persisted[1].TokensUsed, 0, "expected a token count on the agent envelope")

	// the sender sees: user message, typing on, chunks, typing off, agent message
	senderMsgs := drain(sender)
	assert.Len(t, senderMsgs, 6, "expected 6 events for the sender")
	assert.Equal(t, persisted[0].Id, senderMsgs[0].Message.Id, "sender receives their own broadcast message")
	assert.True(t, senderMsgs[1].AgentTyping.IsTyping, "agent typing starts")
	assert.Equal(t, "Hello", senderMsgs[2].Chunk.Chunk, "first fragment")
	assert.Equal(t, " there!", senderMsgs[3].Chunk.Chunk, "second fragment")
	assert.Equal(t, senderMsgs[2].Chunk.MessageId, senderMsgs[3].Chunk.MessageId, "fragments share the provisional id")
	assert.False(t, senderMsgs[4].AgentTyping.IsTyping, "agent typing clears before the final broadcast")
	assert.Equal(t, persisted[1].Id, senderMsgs[5].Message.Id, "final agent envelope matches the persisted one")
	assert.Equal(t, senderMsgs[2].Chunk.MessageId, senderMsgs[5].Message.Id, "agent envelope supersedes the chunks by id")

	// other room members see no chunks, only envelopes and typing
	otherMsgs := drain(other)
	assert.Len(t, otherMsgs, 4, "expected 4 events for the other member")
	for _, m := range otherMsgs {
		assert.Nil(t, m.Chunk, "streaming fragments go to the sender only")
	}
	assert.NotNil(t, otherMsgs[0].Message, "other member sees the user envelope")
	assert.NotNil(t, otherMsgs[3].Message, "other member sees the agent envelope")
}

func Test_runSendPipeline_quotaExceeded(t *testing.T) {
	db := &database.MockSensaRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}

	rs := newTestRelayServer(t, db, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	sender := newTestClient(types.User{Id: 1, Username: "alice", Tier: types.TierFree}, rs, t)
	room.addClient(sender)

	db.On("GetUsage", 1, mock.Anything).Return(database.Usage{MessagesSent: 50}, nil).Once()

	room.runSendPipeline(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Publish:     &Publish{ConversationId: "conv-1", Content: "hello"},
		client:      sender,
	})

	msgs := drain(sender)
	assert.Len(t, msgs, 1, "expected only the rejection")
	assert.Equal(t, "Daily message limit reached", msgs[0].Response.Error, "expected the quota message")
	assert.Equal(t, 50, msgs[0].Response.Limit, "expected the tier limit")
	assert.Equal(t, 50, msgs[0].Response.Used, "expected today's count")
	assert.Equal(t, types.TierFree, msgs[0].Response.Tier, "expected the tier")

	// zero new persisted envelopes
	db.AssertNotCalled(t, "CreateMessage", mock.Anything)
}

func Test_runSendPipeline_persistFailureMeansNoBroadcast(t *testing.T) {
	db := &database.MockSensaRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}

	rs := newTestRelayServer(t, db, &completion.MockClient{}, su)
	room := newTestRoom(t, rs)

	sender := newTestClient(types.User{Id: 1, Username: "alice", Tier: types.TierFree}, rs, t)
	other := newTestClient(types.User{Id: 3, Username: "bob", Tier: types.TierFree}, rs, t)
	room.addClient(sender)
	room.addClient(other)

	db.On("GetUsage", 1, mock.Anything).Return(database.Usage{}, sql.ErrNoRows).Once()
	db.On("CreateMessage", mock.Anything).Return(errors.New("gateway down")).Once()

	room.runSendPipeline(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Publish:     &Publish{ConversationId: "conv-1", Content: "hello"},
		client:      sender,
	})

	msgs := drain(sender)
	assert.Len(t, msgs, 1, "expected only the failure response")
	assert.Equal(t, "Failed to send message", msgs[0].Response.Error, "expected a safe message, no gateway detail")

	assert.Empty(t, drain(other), "a message that failed to persist is never observed by the room")
}

func Test_runSendPipeline_upstreamFailureKeepsUserMessage(t *testing.T) {
	db := &database.MockSensaRepository{}
	defer db.AssertExpectations(t)
	cc := &completion.MockClient{}
	defer cc.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()

	rs := newTestRelayServer(t, db, cc, su)
	room := newTestRoom(t, rs)

	sender := newTestClient(types.User{Id: 1, Username: "alice", Tier: types.TierFree}, rs, t)
	other := newTestClient(types.User{Id: 3, Username: "bob", Tier: types.TierFree}, rs, t)
	room.addClient(sender)
	room.addClient(other)

	db.On("GetUsage", 1, mock.Anything).Return(database.Usage{MessagesSent: 3}, nil).Once()
	db.On("CreateMessage", mock.Anything).Return(nil).Once()
	db.On("GetRecentMessages", 10, historyLimit).Return([]database.Message{}, nil).Once()
	cc.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream exploded")).Once()

	room.runSendPipeline(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Publish:     &Publish{ConversationId: "conv-1", Content: "hello"},
		client:      sender,
	})

	// user envelope persisted exactly once, no agent envelope
	db.AssertNumberOfCalls(t, "CreateMessage", 1)

	senderMsgs := drain(sender)
	assert.Len(t, senderMsgs, 4, "expected message, typing on, typing off, failure")
	assert.NotNil(t, senderMsgs[0].Message, "the user's own message survives the reply failure")
	assert.True(t, senderMsgs[1].AgentTyping.IsTyping, "typing starts")
	assert.False(t, senderMsgs[2].AgentTyping.IsTyping, "typing is cleared unconditionally on failure")
	assert.Equal(t, "Failed to generate reply", senderMsgs[3].Response.Error, "expected a safe upstream error")

	otherMsgs := drain(other)
	assert.Len(t, otherMsgs, 3, "other members see the message and the typing cycle, not the error")
}
