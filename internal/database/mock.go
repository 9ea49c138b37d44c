package database

import (
	"github.com/stretchr/testify/mock"
)

type MockSensaRepository struct {
	mock.Mock
}

func (m *MockSensaRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSensaRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockSensaRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockSensaRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockSensaRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockSensaRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}

func (m *MockSensaRepository) GetConversation(externalId string, accountId int) (Conversation, error) {
	args := m.Called(externalId, accountId)
	return args.Get(0).(Conversation), args.Error(1)
}

func (m *MockSensaRepository) ListConversations(accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Conversation), args.Error(1)
}

func (m *MockSensaRepository) DeleteConversation(externalId string, accountId int) error {
	args := m.Called(externalId, accountId)
	return args.Error(0)
}

func (m *MockSensaRepository) UpdateConversationOnMessage(conversationId int, messages int) error {
	args := m.Called(conversationId, messages)
	return args.Error(0)
}

func (m *MockSensaRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *MockSensaRepository) GetRecentMessages(conversationId, limit int) ([]Message, error) {
	args := m.Called(conversationId, limit)
	return args.Get(0).([]Message), args.Error(1)
}

func (m *MockSensaRepository) GetUsage(accountId int, date string) (Usage, error) {
	args := m.Called(accountId, date)
	return args.Get(0).(Usage), args.Error(1)
}

func (m *MockSensaRepository) IncrementUsage(accountId int, date string, delta UsageDelta) error {
	args := m.Called(accountId, date, delta)
	return args.Error(0)
}
