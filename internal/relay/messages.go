package relay

import (
	"net/http"
	"time"

	"github.com/sensacall/sensacall-server/internal/types"
	"github.com/sensacall/sensacall-server/internal/usage"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the union of events a connection may send. Exactly
// one of the event fields is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join_conversation,omitempty"`
	Leave   *Leave   `json:"leave_conversation,omitempty"`
	Publish *Publish `json:"send_message,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`
	client  *Client
}

type Join struct {
	ConversationId string `json:"conversation_id"`
}

type Leave struct {
	ConversationId string `json:"conversation_id"`
}

type Publish struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ServerMessage is the union of events delivered to connections.
type ServerMessage struct {
	BaseMessage
	Response    *Response      `json:"response,omitempty"`
	Joined      *Joined        `json:"joined_conversation,omitempty"`
	Left        *Left          `json:"left_conversation,omitempty"`
	Message     *types.Message `json:"new_message,omitempty"`
	Chunk       *MessageChunk  `json:"message_chunk,omitempty"`
	AgentTyping *AgentTyping   `json:"agent_typing,omitempty"`
	UserTyping  *UserTyping    `json:"user_typing,omitempty"`
	Presence    *PresenceSync  `json:"presence,omitempty"`

	// SkipClient excludes a single connection from a broadcast.
	SkipClient *Client `json:"-"`
	// SkipUserId excludes every connection of a user, used so typing
	// state is never echoed back to its originator.
	SkipUserId int `json:"-"`
}

// Response carries operation results and errors. Error payloads are a
// small structured shape; collaborator error detail never leaks past
// the message string.
type Response struct {
	ResponseCode int        `json:"response_code"`
	Error        string     `json:"error,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Used         int        `json:"used,omitempty"`
	Tier         types.Tier `json:"tier,omitempty"`
}

type Joined struct {
	ConversationId string `json:"conversation_id"`
}

type Left struct {
	ConversationId string `json:"conversation_id"`
}

type MessageChunk struct {
	MessageId      string `json:"message_id"`
	Chunk          string `json:"chunk"`
	ConversationId string `json:"conversation_id"`
}

type AgentTyping struct {
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type UserTyping struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceSync redistributes the full recomputed presence set of a
// room after any membership change.
type PresenceSync struct {
	ConversationId string           `json:"conversation_id"`
	Presences      []types.Presence `json:"presences"`
}

func NoErrJoined(id int, conversationId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Joined: &Joined{ConversationId: conversationId},
	}
}

func NoErrLeft(id int, conversationId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Left: &Left{ConversationId: conversationId},
	}
}

// ErrConversationNotFound is returned for conversations that do not
// exist and for conversations owned by someone else, so existence is
// never leaked.
func ErrConversationNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "Conversation not found",
		},
	}
}

func ErrQuotaExceeded(id int, qe *usage.QuotaError) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusTooManyRequests,
			Error:        "Daily message limit reached",
			Limit:        qe.Limit,
			Used:         qe.Used,
			Tier:         qe.Tier,
		},
	}
}

func ErrSendFailed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "Failed to send message",
		},
	}
}

func ErrReplyFailed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadGateway,
			Error:        "Failed to generate reply",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
