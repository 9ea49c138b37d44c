package types

import (
	"time"
)

// Tier is a subscription level. Tiers are ordered: free < plus < pro.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// Level returns the tier's position in the hierarchy. Unknown tiers
// rank below free so a corrupt value never unlocks anything.
func (t Tier) Level() int {
	switch t {
	case TierFree:
		return 0
	case TierPlus:
		return 1
	case TierPro:
		return 2
	default:
		return -1
	}
}

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Tier         Tier      `json:"subscription_tier"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Conversation struct {
	Id            int       `json:"-"`
	ExternalId    string    `json:"id"`
	PersonaId     string    `json:"persona_id"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// SenderType identifies which side of a conversation produced a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// Message is the envelope persisted by the gateway and broadcast to
// room members. Broadcast never precedes a successful insert.
type Message struct {
	Id             string     `json:"id"`
	ConversationId string     `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Content        string     `json:"content"`
	TokensUsed     int        `json:"tokens_used,omitempty"`
	CreditsUsed    int        `json:"credits_used,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PresenceStatus is the ephemeral state of a user within a room.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

type Presence struct {
	UserId    int            `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}
