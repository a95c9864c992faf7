package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Pipe is an in-process transport. The agent side uses Send and Receive;
// the host side observes sent messages through the callback given to
// NewPipe and answers with Post.
type Pipe struct {
	box    *mailbox
	onSend func(msg json.RawMessage)

	mu     sync.Mutex
	sent   []json.RawMessage
	closed bool
}

// NewPipe creates a pipe. onSend, if not nil, runs synchronously for every
// message the agent sends.
func NewPipe(onSend func(msg json.RawMessage)) *Pipe {
	return &Pipe{box: newMailbox(), onSend: onSend}
}

// Send implements protocol.Transport.
func (p *Pipe) Send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.sent = append(p.sent, raw)
	p.mu.Unlock()

	if p.onSend != nil {
		p.onSend(raw)
	}
	return nil
}

// Receive implements protocol.Transport.
func (p *Pipe) Receive(ctx context.Context, tag string) (json.RawMessage, error) {
	return p.box.receive(ctx, tag)
}

// Post delivers a host message with tag to the agent side.
func (p *Pipe) Post(tag string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", tag, err)
	}
	if !p.box.deliver(tag, raw) {
		return ErrClosed
	}
	return nil
}

// Sent returns every message sent so far.
func (p *Pipe) Sent() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.sent...)
}

// Close fails pending and future receives and rejects further sends.
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.box.close(ErrClosed)
	return nil
}
