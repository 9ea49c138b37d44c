package relay

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/sensacall/sensacall-server/internal/completion"
	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/persona"
	"github.com/sensacall/sensacall-server/internal/stats"
	"github.com/sensacall/sensacall-server/internal/types"
	"github.com/sensacall/sensacall-server/internal/usage"
)

// historyLimit is how many recent envelopes feed the generation
// context.
const historyLimit = 10

// runSendPipeline turns one submitted text into a persisted, broadcast,
// agent-answered exchange. Side effects happen in strict order: an
// envelope is never broadcast before its insert succeeds, and a
// failure at any step is terminal for this attempt; the client
// decides whether to resubmit. Completed steps are not rolled back on
// later failure; the user keeps their own message even when the reply
// fails.
func (r *Room) runSendPipeline(msg *ClientMessage) {
	c := msg.client

	// quota gate, before any side effect
	if err := r.rs.ledger.CheckDailyLimit(c.user.Id, c.user.Tier); err != nil {
		var qe *usage.QuotaError
		if errors.As(err, &qe) {
			c.queueMessage(ErrQuotaExceeded(msg.Id, qe))
		} else {
			r.log.Println("check daily limit:", err)
			c.queueMessage(ErrSendFailed(msg.Id))
		}
		return
	}

	userEnv := types.Message{
		Id:             uuid.NewString(),
		ConversationId: r.conversation.ExternalId,
		SenderType:     types.SenderUser,
		Content:        msg.Publish.Content,
		CreatedAt:      Now(),
	}
	if err := r.rs.db.CreateMessage(database.Message{
		Id:             userEnv.Id,
		ConversationId: r.conversation.Id,
		SenderType:     string(userEnv.SenderType),
		Content:        userEnv.Content,
		CreatedAt:      userEnv.CreatedAt,
	}); err != nil {
		r.log.Println("persist user message:", err)
		c.queueMessage(ErrSendFailed(msg.Id))
		return
	}

	// the sender receives their own message too, so every client
	// reconciles from the same broadcast
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: userEnv.CreatedAt},
		Message:     &userEnv,
	})
	r.rs.stats.Incr(stats.MessagesSent)

	history, err := r.rs.db.GetRecentMessages(r.conversation.Id, historyLimit)
	if err != nil {
		r.log.Println("fetch history:", err)
		c.queueMessage(ErrReplyFailed(msg.Id))
		return
	}

	content, tokens, ok := r.generateReply(msg, buildContext(r.persona, history))
	if !ok {
		return
	}

	credits := usage.CreditCost(tokens)
	agentEnv := types.Message{
		Id:             content.id,
		ConversationId: r.conversation.ExternalId,
		SenderType:     types.SenderAgent,
		Content:        content.text,
		TokensUsed:     tokens,
		CreditsUsed:    credits,
		CreatedAt:      Now(),
	}
	if err := r.rs.db.CreateMessage(database.Message{
		Id:             agentEnv.Id,
		ConversationId: r.conversation.Id,
		SenderType:     string(agentEnv.SenderType),
		Content:        agentEnv.Content,
		TokensUsed:     agentEnv.TokensUsed,
		CreditsUsed:    agentEnv.CreditsUsed,
		CreatedAt:      agentEnv.CreatedAt,
	}); err != nil {
		r.log.Println("persist agent message:", err)
		c.queueMessage(ErrReplyFailed(msg.Id))
		return
	}

	// room-wide, superseding any streamed fragments by message id
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: agentEnv.CreatedAt},
		Message:     &agentEnv,
	})
	r.rs.stats.Incr(stats.MessagesSent)
	r.rs.stats.Add(stats.CompletionTokens, tokens)

	if err := r.rs.db.UpdateConversationOnMessage(r.conversation.Id, 2); err != nil {
		r.log.Println("update conversation:", err)
	}

	// accounting never fails the send
	r.rs.ledger.Increment(c.user.Id, database.UsageDelta{Messages: 2, Credits: credits})
}

type reply struct {
	id   string
	text string
}

// generateReply streams the completion, forwarding fragments to the
// requesting connection only, under an agent typing indicator that is
// cleared unconditionally when generation ends or fails. A disconnect
// mid-stream does not abort generation; undeliverable fragments are
// simply dropped and the final persist and broadcast still occur.
func (r *Room) generateReply(msg *ClientMessage, msgs []completion.ChatMessage) (reply, int, bool) {
	c := msg.client
	agentId := uuid.NewString()

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		AgentTyping: &AgentTyping{ConversationId: r.conversation.ExternalId, IsTyping: true},
	})
	defer r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		AgentTyping: &AgentTyping{ConversationId: r.conversation.ExternalId, IsTyping: false},
	})

	r.rs.stats.Incr(stats.CompletionsRequested)

	// no extra deadline here: timeouts belong to the completion
	// client, and a hung collaborator suspends only this pipeline
	stream, err := r.rs.completions.Stream(context.Background(), msgs, completion.Options{
		User: strconv.Itoa(c.user.Id),
	})
	if err != nil {
		r.log.Println("completion stream:", err)
		c.queueMessage(ErrReplyFailed(msg.Id))
		return reply{}, 0, false
	}
	defer stream.Close()

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.log.Println("completion recv:", err)
			c.queueMessage(ErrReplyFailed(msg.Id))
			return reply{}, 0, false
		}

		c.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Chunk: &MessageChunk{
				MessageId:      agentId,
				Chunk:          frag,
				ConversationId: r.conversation.ExternalId,
			},
		})
	}

	return reply{id: agentId, text: stream.Content()}, stream.TokensUsed(), true
}

// buildContext prepends the persona's system directive to the recent
// history, oldest-first.
func buildContext(p persona.Persona, history []database.Message) []completion.ChatMessage {
	msgs := make([]completion.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, completion.ChatMessage{
		Role:    completion.RoleSystem,
		Content: persona.SystemPrompt(p),
	})

	for _, m := range history {
		role := completion.RoleAssistant
		if m.SenderType == string(types.SenderUser) {
			role = completion.RoleUser
		}
		msgs = append(msgs, completion.ChatMessage{Role: role, Content: m.Content})
	}

	return msgs
}
