package ws

import (
	"bitmexmd/internal/exchange"
	"sync"
)

// mailbox delivers a stream's events in publication order without ever blocking
// the publisher: put appends to an unbounded backlog that run drains into out.
type mailbox struct {
	mu     sync.Mutex
	items  []exchange.Event
	closed bool
	wake   chan struct{}
	out    chan exchange.Event
}

func newMailbox(buffer int) *mailbox {
	if buffer < 0 {
		buffer = 0
	}
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan exchange.Event, buffer),
	}
	go m.run()
	return m
}

func (m *mailbox) put(ev exchange.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()

	m.signal()
}

// close stops accepting events; out is closed once the backlog is delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.out)

	for {
		m.mu.Lock()
		items := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for _, ev := range items {
			m.out <- ev
		}

		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}
