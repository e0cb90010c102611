package bus

import (
	"context"
	"sync"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// MockBus records all publishes and delivers injected messages to
// subscribers, for test assertions.
type MockBus struct {
	mu       sync.Mutex
	deliver  sync.Mutex
	messages []Message
	subs     map[string][]Handler
	closed   bool
	err      error // if set, Publish returns this error
	echo     bool
}

// NewMockBus creates a new MockBus.
func NewMockBus() *MockBus {
	return &MockBus{subs: make(map[string][]Handler)}
}

// SetEcho makes published messages loop back to subscribers of the same
// topic, like a real broadcast bus.
func (m *MockBus) SetEcho(echo bool) {
	m.mu.Lock()
	m.echo = echo
	m.mu.Unlock()
}

func (m *MockBus) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})
	echo := m.echo
	m.mu.Unlock()
	if echo {
		go m.Inject(topic, p)
	}
	return nil
}

func (m *MockBus) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

// Inject delivers payload to every subscriber of topic. Deliveries are
// serialized, matching the single delivery goroutine of a real bus.
func (m *MockBus) Inject(topic string, payload []byte) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.subs[topic]...)
	m.mu.Unlock()
	m.deliver.Lock()
	defer m.deliver.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (m *MockBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockBus) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Payloads returns the published payloads on topic as strings.
func (m *MockBus) Payloads(topic string) []string {
	var out []string
	for _, msg := range m.Messages() {
		if msg.Topic == topic {
			out = append(out, string(msg.Payload))
		}
	}
	return out
}

// Reset clears all recorded messages.
func (m *MockBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *MockBus) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (m *MockBus) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
