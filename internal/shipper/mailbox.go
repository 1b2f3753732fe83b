package shipper

import (
	"sync"

	"github.com/yourorg/annotrack/pkg/types"
)

// mailbox is an unbounded FIFO of inbound messages. push never blocks;
// the notify channel (capacity 1) wakes the run loop.
type mailbox struct {
	mu     sync.Mutex
	msgs   []types.Message
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg types.Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything posted so far, oldest first.
func (m *mailbox) take() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs
	m.msgs = nil
	return msgs
}

func (m *mailbox) Notify() <-chan struct{} {
	return m.notify
}
