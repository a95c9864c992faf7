// Package protocol defines the messages exchanged between the agent and its
// controlling host and implements the paged handler fetch.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Host-bound message types.
const (
	TypeInitialized = "agent:initialized"
	TypeStarted     = "agent:started"
	TypeWarning     = "agent:warning"
	TypeError       = "agent:error"
	TypeEventsAdd   = "events:add"
	TypeHandlersGet = "handlers:get"
)

// Transport exchanges control messages with the host. Send is
// fire-and-forget; Receive waits for the next message carrying tag.
type Transport interface {
	Send(msg any) error
	Receive(ctx context.Context, tag string) (json.RawMessage, error)
}

// ReplyTag is the tag of the host's answer to the handlers:get page that
// starts at baseID.
func ReplyTag(baseID int) string {
	return "reply:" + strconv.Itoa(baseID)
}

// Status is a message without payload (agent:initialized).
type Status struct {
	Type string `json:"type"`
}

// Started reports the total number of installed handlers.
type Started struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Notice carries agent:warning and agent:error messages.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Member is a handler-fetch member. Plain names encode as a JSON string,
// qualified ones as a [name, qualified] pair.
type Member struct {
	Name      string
	Qualified string
}

// MarshalJSON implements json.Marshaler.
func (m Member) MarshalJSON() ([]byte, error) {
	if m.Qualified == "" {
		return json.Marshal(m.Name)
	}
	return json.Marshal([2]string{m.Name, m.Qualified})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Member) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*m = Member{Name: name}
		return nil
	}
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("member must be a string or a [name, qualified] pair: %w", err)
	}
	*m = Member{Name: pair[0], Qualified: pair[1]}
	return nil
}

// Scope groups members under a module, class or other owner name.
type Scope struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// HandlersRequest asks the host for one handler script per member.
type HandlersRequest struct {
	Type   string  `json:"type"`
	Flavor string  `json:"flavor"`
	BaseID int     `json:"baseId"`
	Scopes []Scope `json:"scopes"`
}

// HandlersReply carries the scripts for one request page, in member order.
type HandlersReply struct {
	Scripts []string `json:"scripts"`
}

// Event is one trace line. It encodes as the array
// [handlerId, timestamp, threadId, depth, message].
type Event struct {
	HandlerID int
	Timestamp int64
	ThreadID  uint64
	Depth     int
	Message   string
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.HandlerID, e.Timestamp, e.ThreadID, e.Depth, e.Message})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 5 {
		return fmt.Errorf("event must have 5 fields, got %d", len(raw))
	}
	fields := []any{&e.HandlerID, &e.Timestamp, &e.ThreadID, &e.Depth, &e.Message}
	for i, f := range fields {
		if err := json.Unmarshal(raw[i], f); err != nil {
			return fmt.Errorf("event field %d: %w", i, err)
		}
	}
	return nil
}

// Events is the events:add batch.
type Events struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
}
