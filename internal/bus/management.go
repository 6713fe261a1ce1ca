package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/protocol"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Management commands accepted at the node identity address.
const (
	CmdPing      = "ping"
	CmdRoutes    = "routes"
	CmdSessions  = "sessions"
	CmdEndpoints = "endpoints"
	CmdSnapshot  = "snapshot"
)

// serveManagement answers requests sent to the node's own identity, which
// gives every node a remotely reachable ping and introspection endpoint.
func (n *Node) serveManagement(ctx context.Context, ep *Endpoint) error {
	defer ep.Close(endpoint.ShutdownDiscard)
	for {
		env, err := ep.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, endpoint.ErrMailboxClosed) {
				return nil
			}
			return err
		}
		if env.Kind != protocol.KindRequest {
			continue
		}
		body, err := n.management(strings.TrimSpace(string(env.Payload)))
		if err != nil {
			err = ep.ReplyError(ctx, env, err)
		} else {
			err = ep.Reply(ctx, env, body)
		}
		if err != nil {
			n.log.Debug().Err(err).Str("to", env.Source.String()).Msg("bus.management reply failed")
		}
	}
}

func (n *Node) management(cmd string) ([]byte, error) {
	switch cmd {
	case CmdPing:
		return []byte("pong"), nil
	case CmdRoutes:
		return json.Marshal(n.routes.Snapshot())
	case CmdSessions:
		return json.Marshal(n.Sessions())
	case CmdEndpoints:
		return json.Marshal(n.Snapshot().Endpoints)
	case CmdSnapshot:
		return json.Marshal(n.Snapshot())
	default:
		return nil, fmt.Errorf("%w: unknown management command %q", protocol.ErrInvalidArgs, cmd)
	}
}
