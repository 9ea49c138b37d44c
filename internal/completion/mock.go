package completion

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Create(ctx context.Context, msgs []ChatMessage, opts Options) (string, int, error) {
	args := m.Called(ctx, msgs, opts)
	return args.String(0), args.Int(1), args.Error(2)
}

func (m *MockClient) Stream(ctx context.Context, msgs []ChatMessage, opts Options) (*Stream, error) {
	args := m.Called(ctx, msgs, opts)
	if s, ok := args.Get(0).(*Stream); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

// NewFakeStream builds a Stream that yields the given fragments in
// order, for relay tests that exercise the streaming path without an
// upstream server.
func NewFakeStream(fragments ...string) *Stream {
	return newStream(newFakeSSEBody(fragments), "")
}
