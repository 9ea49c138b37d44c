package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Tier         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id            int
	ExternalId    string
	AccountId     int
	PersonaId     string
	Title         string
	MessageCount  int
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id             string
	ConversationId int
	SenderType     string
	Content        string
	TokensUsed     int
	CreditsUsed    int
	CreatedAt      time.Time
}

// Usage is one per-user, per-day counter row. Date is a UTC calendar
// day in YYYY-MM-DD form.
type Usage struct {
	AccountId            int
	Date                 string
	MessagesSent         int
	CreditsUsed          int
	ConversationsCreated int
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	Tier         string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateConversationParams struct {
	ExternalId string
	AccountId  int
	PersonaId  string
	Title      string
}

type UsageDelta struct {
	Messages      int
	Credits       int
	Conversations int
}
