package agent

import (
	"sync"

	"github.com/mappaturasmd/mappatura/internal/delivery"
)

// Mailbox carries results produced off the tick loop back onto it. Any
// goroutine may Send; only the tick loop drains, once per tick, in arrival
// order.
type Mailbox struct {
	mu   sync.Mutex
	msgs []any
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

func (m *Mailbox) Send(msg any) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

// Post lets the delivery pipeline report straight into the mailbox.
func (m *Mailbox) Post(ev delivery.Event) {
	m.Send(ev)
}

// Drain removes and returns everything queued so far.
func (m *Mailbox) Drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs
	m.msgs = nil
	return msgs
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

var _ delivery.EventSink = (*Mailbox)(nil)
