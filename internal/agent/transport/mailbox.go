// Package transport carries control messages between the agent and its
// host.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by transports after Close or after the connection
// to the host is lost.
var ErrClosed = errors.New("transport closed")

// mailbox queues inbound messages by tag until someone receives them.
type mailbox struct {
	mu      sync.Mutex
	queues  map[string][]json.RawMessage
	waiters map[string][]chan json.RawMessage
	err     error
}

func newMailbox() *mailbox {
	return &mailbox{
		queues:  make(map[string][]json.RawMessage),
		waiters: make(map[string][]chan json.RawMessage),
	}
}

// deliver hands payload to the oldest waiter for tag or queues it.
func (m *mailbox) deliver(tag string, payload json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false
	}
	if ws := m.waiters[tag]; len(ws) > 0 {
		ws[0] <- payload
		m.setWaiters(tag, ws[1:])
		return true
	}
	m.queues[tag] = append(m.queues[tag], payload)
	return true
}

// receive waits for the next message with tag.
func (m *mailbox) receive(ctx context.Context, tag string) (json.RawMessage, error) {
	m.mu.Lock()
	if q := m.queues[tag]; len(q) > 0 {
		payload := q[0]
		m.setQueue(tag, q[1:])
		m.mu.Unlock()
		return payload, nil
	}
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan json.RawMessage, 1)
	m.waiters[tag] = append(m.waiters[tag], ch)
	m.mu.Unlock()

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, m.closeErr()
		}
		return payload, nil
	case <-ctx.Done():
		m.cancel(tag, ch)
		return nil, ctx.Err()
	}
}

// cancel removes a waiter. A message that raced in is put back at the
// front of the queue.
func (m *mailbox) cancel(tag string, ch chan json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.waiters[tag]
	for i, w := range ws {
		if w == ch {
			m.setWaiters(tag, append(ws[:i:i], ws[i+1:]...))
			return
		}
	}
	select {
	case payload, ok := <-ch:
		if ok {
			m.queues[tag] = append([]json.RawMessage{payload}, m.queues[tag]...)
		}
	default:
	}
}

// close fails all current and future receives with err.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}
	m.err = err
	for _, ws := range m.waiters {
		for _, ch := range ws {
			close(ch)
		}
	}
	m.waiters = make(map[string][]chan json.RawMessage)
}

func (m *mailbox) closeErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mailbox) setQueue(tag string, q []json.RawMessage) {
	if len(q) == 0 {
		delete(m.queues, tag)
		return
	}
	m.queues[tag] = q
}

func (m *mailbox) setWaiters(tag string, ws []chan json.RawMessage) {
	if len(ws) == 0 {
		delete(m.waiters, tag)
		return
	}
	m.waiters[tag] = ws
}
