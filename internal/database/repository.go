package database

// SensaRepository is the contract the rest of the server consumes from
// the hosted relational store. Conversation lookups are always scoped
// to the owning account; a conversation that exists but belongs to
// another user is indistinguishable from one that does not exist.
type SensaRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversation(externalId string, accountId int) (Conversation, error)
	ListConversations(accountId int) ([]Conversation, error)
	DeleteConversation(externalId string, accountId int) error
	UpdateConversationOnMessage(conversationId int, messages int) error
	CreateMessage(msg Message) error
	GetRecentMessages(conversationId, limit int) ([]Message, error)
	GetUsage(accountId int, date string) (Usage, error)
	IncrementUsage(accountId int, date string, delta UsageDelta) error
}
