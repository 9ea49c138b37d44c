package database

import (
	"database/sql"
	"fmt"
	"time"
)

func (db *PgSensaRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, tier, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, tier, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Tier,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Tier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgSensaRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $1, password_hash = $2, updated_at = $3 "+
			"WHERE id = $4 RETURNING id, username, email, tier, created_at, updated_at",
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
		params.UserId,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Tier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgSensaRepository) GetAccountById(accountId int) (User, error) {
	res := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, tier, created_at, updated_at "+
			"FROM accounts WHERE id = $1",
		accountId,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.Tier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgSensaRepository) GetAccountByEmail(email string) (User, error) {
	res := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, tier, created_at, updated_at "+
			"FROM accounts WHERE email = $1",
		email,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.Tier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgSensaRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	res := db.conn.QueryRow(
		"INSERT INTO conversations (external_id, account_id, persona_id, title, message_count, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, 0, $5, $5) "+
			"RETURNING id, external_id, account_id, persona_id, title, message_count, created_at, updated_at",
		params.ExternalId,
		params.AccountId,
		params.PersonaId,
		params.Title,
		time.Now().UTC(),
	)

	var c Conversation
	err := res.Scan(
		&c.Id,
		&c.ExternalId,
		&c.AccountId,
		&c.PersonaId,
		&c.Title,
		&c.MessageCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	return c, err
}

// GetConversation returns the conversation only if it belongs to the
// given account. Existence of other users' conversations is never
// revealed to the caller.
func (db *PgSensaRepository) GetConversation(externalId string, accountId int) (Conversation, error) {
	res := db.conn.QueryRow(
		"SELECT id, external_id, account_id, persona_id, title, message_count, "+
			"COALESCE(last_message_at, 'epoch'::timestamptz), created_at, updated_at "+
			"FROM conversations WHERE external_id = $1 AND account_id = $2",
		externalId,
		accountId,
	)

	var c Conversation
	err := res.Scan(
		&c.Id,
		&c.ExternalId,
		&c.AccountId,
		&c.PersonaId,
		&c.Title,
		&c.MessageCount,
		&c.LastMessageAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	return c, err
}

func (db *PgSensaRepository) ListConversations(accountId int) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, account_id, persona_id, title, message_count, "+
			"COALESCE(last_message_at, 'epoch'::timestamptz), created_at, updated_at "+
			"FROM conversations WHERE account_id = $1 ORDER BY updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.Id,
			&c.ExternalId,
			&c.AccountId,
			&c.PersonaId,
			&c.Title,
			&c.MessageCount,
			&c.LastMessageAt,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}

	return conversations, rows.Err()
}

func (db *PgSensaRepository) DeleteConversation(externalId string, accountId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM conversations WHERE external_id = $1 AND account_id = $2",
		externalId,
		accountId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgSensaRepository) UpdateConversationOnMessage(conversationId int, messages int) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET message_count = message_count + $1, last_message_at = $2, updated_at = $2 "+
			"WHERE id = $3",
		messages,
		time.Now().UTC(),
		conversationId,
	)

	return err
}

func (db *PgSensaRepository) CreateMessage(msg Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (id, conversation_id, sender_type, content, tokens_used, credits_used, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		msg.Id,
		msg.ConversationId,
		msg.SenderType,
		msg.Content,
		msg.TokensUsed,
		msg.CreditsUsed,
		msg.CreatedAt,
	)

	return err
}

// GetRecentMessages returns the most recent limit messages ordered
// oldest-first. Ordering follows the persist-time timestamp, so
// near-simultaneous messages replay in persisted order regardless of
// arrival order.
func (db *PgSensaRepository) GetRecentMessages(conversationId, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, conversation_id, sender_type, content, tokens_used, credits_used, created_at FROM ("+
			"SELECT id, conversation_id, sender_type, content, tokens_used, credits_used, created_at "+
			"FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2"+
			") recent ORDER BY created_at ASC",
		conversationId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.ConversationId,
			&m.SenderType,
			&m.Content,
			&m.TokensUsed,
			&m.CreditsUsed,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgSensaRepository) GetUsage(accountId int, date string) (Usage, error) {
	res := db.conn.QueryRow(
		"SELECT account_id, date, messages_sent, credits_used, conversations_created "+
			"FROM usage_tracking WHERE account_id = $1 AND date = $2",
		accountId,
		date,
	)

	var u Usage
	err := res.Scan(
		&u.AccountId,
		&u.Date,
		&u.MessagesSent,
		&u.CreditsUsed,
		&u.ConversationsCreated,
	)

	return u, err
}

func (db *PgSensaRepository) IncrementUsage(accountId int, date string, delta UsageDelta) error {
	_, err := db.conn.Exec(
		"INSERT INTO usage_tracking (account_id, date, messages_sent, credits_used, conversations_created) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (account_id, date) DO UPDATE SET "+
			"messages_sent = usage_tracking.messages_sent + EXCLUDED.messages_sent, "+
			"credits_used = usage_tracking.credits_used + EXCLUDED.credits_used, "+
			"conversations_created = usage_tracking.conversations_created + EXCLUDED.conversations_created",
		accountId,
		date,
		delta.Messages,
		delta.Credits,
		delta.Conversations,
	)

	return err
}
