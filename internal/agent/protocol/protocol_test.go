package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptHost answers every handlers:get page with one script per member,
// naming each script after its id and member.
type scriptHost struct {
	requests []HandlersRequest
	pending  map[string]json.RawMessage
	short    bool
}

func (h *scriptHost) Send(msg any) error {
	req, ok := msg.(HandlersRequest)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	h.requests = append(h.requests, req)

	var scripts []string
	id := req.BaseID
	for _, s := range req.Scopes {
		for _, m := range s.Members {
			scripts = append(scripts, fmt.Sprintf("%d:%s", id, m.Name))
			id++
		}
	}
	if h.short {
		scripts = scripts[:len(scripts)-1]
	}
	raw, err := json.Marshal(HandlersReply{Scripts: scripts})
	if err != nil {
		return err
	}
	if h.pending == nil {
		h.pending = make(map[string]json.RawMessage)
	}
	h.pending[ReplyTag(req.BaseID)] = raw
	return nil
}

func (h *scriptHost) Receive(_ context.Context, tag string) (json.RawMessage, error) {
	raw, ok := h.pending[tag]
	if !ok {
		return nil, errors.New("no reply for " + tag)
	}
	delete(h.pending, tag)
	return raw, nil
}

func members(prefix string, n int) []Member {
	out := make([]Member, n)
	for i := range out {
		out[i] = Member{Name: fmt.Sprintf("%s%d", prefix, i)}
	}
	return out
}

func TestGetHandlers_SinglePage(t *testing.T) {
	host := &scriptHost{}
	scripts, err := GetHandlers(context.Background(), host, HandlersRequest{
		Flavor: "c",
		BaseID: 1,
		Scopes: []Scope{{Name: "libfoo", Members: []Member{{Name: "bar"}}}},
	}, DefaultPageSize)
	require.NoError(t, err)

	require.Len(t, host.requests, 1)
	assert.Equal(t, TypeHandlersGet, host.requests[0].Type)
	assert.Equal(t, 1, host.requests[0].BaseID)
	assert.Equal(t, []string{"1:bar"}, scripts)
}

func TestGetHandlers_PagesOf1000(t *testing.T) {
	host := &scriptHost{}
	scripts, err := GetHandlers(context.Background(), host, HandlersRequest{
		Flavor: "c",
		BaseID: 1,
		Scopes: []Scope{{Name: "libfoo", Members: members("f", 2500)}},
	}, DefaultPageSize)
	require.NoError(t, err)

	require.Len(t, host.requests, 3)
	assert.Equal(t, 1, host.requests[0].BaseID)
	assert.Equal(t, 1001, host.requests[1].BaseID)
	assert.Equal(t, 2001, host.requests[2].BaseID)
	assert.Len(t, host.requests[2].Scopes[0].Members, 500)

	require.Len(t, scripts, 2500)
	for i, s := range scripts {
		assert.Equal(t, fmt.Sprintf("%d:f%d", i+1, i), s)
	}
}

func TestGetHandlers_PreservesScopeGrouping(t *testing.T) {
	host := &scriptHost{}
	scripts, err := GetHandlers(context.Background(), host, HandlersRequest{
		Flavor: "objc",
		BaseID: 10,
		Scopes: []Scope{
			{Name: "A", Members: members("a", 3)},
			{Name: "Empty"},
			{Name: "B", Members: members("b", 4)},
			{Name: "C", Members: members("c", 2)},
		},
	}, 4)
	require.NoError(t, err)

	require.Len(t, host.requests, 3)

	first := host.requests[0]
	assert.Equal(t, 10, first.BaseID)
	require.Len(t, first.Scopes, 2)
	assert.Equal(t, "A", first.Scopes[0].Name)
	assert.Len(t, first.Scopes[0].Members, 3)
	assert.Equal(t, "B", first.Scopes[1].Name)
	assert.Len(t, first.Scopes[1].Members, 1)

	second := host.requests[1]
	assert.Equal(t, 14, second.BaseID)
	require.Len(t, second.Scopes, 2)
	assert.Equal(t, "B", second.Scopes[0].Name)
	assert.Equal(t, []Member{{Name: "b1"}, {Name: "b2"}, {Name: "b3"}}, second.Scopes[0].Members)
	assert.Equal(t, "C", second.Scopes[1].Name)

	third := host.requests[2]
	assert.Equal(t, 18, third.BaseID)
	assert.Equal(t, []Scope{{Name: "C", Members: []Member{{Name: "c1"}}}}, third.Scopes)

	assert.Equal(t, []string{
		"10:a0", "11:a1", "12:a2", "13:b0", "14:b1", "15:b2", "16:b3", "17:c0", "18:c1",
	}, scripts)
}

func TestGetHandlers_PageCount(t *testing.T) {
	for _, m := range []int{1, 999, 1000, 1001, 2000, 4321} {
		t.Run(fmt.Sprint(m), func(t *testing.T) {
			host := &scriptHost{}
			scripts, err := GetHandlers(context.Background(), host, HandlersRequest{
				BaseID: 1,
				Scopes: []Scope{{Name: "x", Members: members("m", m)}},
			}, 1000)
			require.NoError(t, err)
			assert.Len(t, host.requests, (m+999)/1000)
			assert.Len(t, scripts, m)
		})
	}
}

func TestGetHandlers_NoMembersNoRequest(t *testing.T) {
	host := &scriptHost{}
	scripts, err := GetHandlers(context.Background(), host, HandlersRequest{BaseID: 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, scripts)
	assert.Empty(t, host.requests)
}

func TestGetHandlers_ShortReplyFails(t *testing.T) {
	host := &scriptHost{short: true}
	_, err := GetHandlers(context.Background(), host, HandlersRequest{
		BaseID: 1,
		Scopes: []Scope{{Name: "x", Members: members("m", 3)}},
	}, 0)
	assert.Error(t, err)
}

func TestMember_JSON(t *testing.T) {
	raw, err := json.Marshal([]Member{{Name: "bar"}, {Name: "host", Qualified: "-[NSURL host]"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["bar", ["host", "-[NSURL host]"]]`, string(raw))

	var decoded []Member
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, Member{Name: "host", Qualified: "-[NSURL host]"}, decoded[1])
}

func TestEvent_JSON(t *testing.T) {
	raw, err := json.Marshal(Events{Type: TypeEventsAdd, Events: []Event{
		{HandlerID: 1, Timestamp: 12, ThreadID: 4242, Depth: 0, Message: "bar()"},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"events:add","events":[[1,12,4242,0,"bar()"]]}`, string(raw))

	var decoded Events
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, uint64(4242), decoded.Events[0].ThreadID)
	assert.Equal(t, "bar()", decoded.Events[0].Message)
}
