package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// RPC tags and message types.
const (
	TagRPC       = "rpc"
	TypeRPCReply = "rpc:reply"
)

// Request is a host call to one of the agent operations.
type Request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers a Request.
type Reply struct {
	Type  string `json:"type"`
	ID    int    `json:"id"`
	Error string `json:"error,omitempty"`
}

// InitParams are the parameters of the init method.
type InitParams struct {
	Stage       string         `json:"stage"`
	Parameters  map[string]any `json:"parameters"`
	InitScripts []InitScript   `json:"initScripts"`
	Spec        [][3]string    `json:"spec"`
}

// UpdateParams are the parameters of the update method.
type UpdateParams struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Script string `json:"script"`
}

// Serve answers host requests until dispose is called, ctx ends or the
// transport fails.
func (a *Agent) Serve(ctx context.Context) error {
	for {
		raw, err := a.cfg.Transport.Receive(ctx, TagRPC)
		if err != nil {
			return fmt.Errorf("receive request: %w", err)
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			a.logger.Warn().Err(err).Msg("Dropping malformed request")
			continue
		}

		err = a.dispatch(req)
		reply := Reply{Type: TypeRPCReply, ID: req.ID}
		if err != nil {
			reply.Error = err.Error()
		}
		a.send(reply)

		if req.Method == "dispose" && err == nil {
			return nil
		}
	}
}

func (a *Agent) dispatch(req Request) error {
	a.logger.Debug().Str("method", req.Method).Int("request_id", req.ID).Msg("Host request")

	switch req.Method {
	case "init":
		var p InitParams
		if err := decodeParams(req.Params, &p); err != nil {
			return err
		}
		return a.Init(p.Stage, p.Parameters, p.InitScripts, p.Spec)
	case "update":
		var p UpdateParams
		if err := decodeParams(req.Params, &p); err != nil {
			return err
		}
		return a.Update(p.ID, p.Name, p.Script)
	case "dispose":
		a.Dispose()
		return nil
	default:
		return fmt.Errorf("unknown method %q", req.Method)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
