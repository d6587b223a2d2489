package notify

import (
	"context"
	"sync"
)

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of sending them. Err, when set, is
// returned from every send.
type MockSender struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
