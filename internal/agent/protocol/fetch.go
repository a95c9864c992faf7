package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultPageSize bounds the members of one handlers:get round trip so that
// no single control message grows too large.
const DefaultPageSize = 1000

// GetHandlers fetches one script per member of req, splitting the request
// into pages of at most pageSize members. Scope grouping is preserved, each
// page's baseId continues where the previous page ended, and the returned
// scripts follow the flattened member order.
func GetHandlers(ctx context.Context, t Transport, req HandlersRequest, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	pending := make([]Scope, 0, len(req.Scopes))
	total := 0
	for _, s := range req.Scopes {
		if len(s.Members) == 0 {
			continue
		}
		pending = append(pending, Scope{Name: s.Name, Members: s.Members})
		total += len(s.Members)
	}

	scripts := make([]string, 0, total)
	id := req.BaseID
	for len(pending) != 0 {
		page, size := nextPage(pending, pageSize)
		pending = trimConsumed(pending, page)

		if err := t.Send(HandlersRequest{
			Type:   TypeHandlersGet,
			Flavor: req.Flavor,
			BaseID: id,
			Scopes: page,
		}); err != nil {
			return nil, fmt.Errorf("send handlers request (baseId %d): %w", id, err)
		}

		raw, err := t.Receive(ctx, ReplyTag(id))
		if err != nil {
			return nil, fmt.Errorf("receive handlers reply (baseId %d): %w", id, err)
		}
		var reply HandlersReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("decode handlers reply (baseId %d): %w", id, err)
		}
		if len(reply.Scripts) != size {
			return nil, fmt.Errorf("handlers reply (baseId %d): expected %d scripts, got %d",
				id, size, len(reply.Scripts))
		}

		scripts = append(scripts, reply.Scripts...)
		id += size
	}

	return scripts, nil
}

// nextPage takes up to limit members from the front of pending, keeping
// them grouped by scope.
func nextPage(pending []Scope, limit int) ([]Scope, int) {
	var page []Scope
	size := 0
	for _, s := range pending {
		n := min(len(s.Members), limit-size)
		page = append(page, Scope{Name: s.Name, Members: s.Members[:n]})
		size += n
		if size == limit {
			break
		}
	}
	return page, size
}

// trimConsumed drops the members sent in page from pending.
func trimConsumed(pending, page []Scope) []Scope {
	for i, s := range page {
		pending[i].Members = pending[i].Members[len(s.Members):]
	}
	for len(pending) != 0 && len(pending[0].Members) == 0 {
		pending = pending[1:]
	}
	return pending
}
