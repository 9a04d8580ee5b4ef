package hub

import (
	"context"

	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/status"
)

var nodeActions = []string{
	protocol.SubVerbOff,
	protocol.SubVerbServing,
	protocol.SubVerbConsuming,
	protocol.SubVerbStatus,
}

func (h *Hub) registerBuiltinCommands() {
	h.commands.Register(CommandDefinition{
		Verb:        protocol.VerbNode,
		SubVerbs:    nodeActions,
		Handler:     h.handleNode,
		Description: "Change or query the node status",
	})
	h.commands.Register(CommandDefinition{
		Verb:        protocol.VerbSubscribe,
		Handler:     h.handleSubscribe,
		Description: "Stream status changes and notifications",
	})
}

// handleNode runs an intent, or reports the status for NODE STATUS. Intent
// failures have already been surfaced as notifications; the reply carries
// the status the node ended up in.
func (h *Hub) handleNode(ctx context.Context, conn *Connection, cmd *protocol.Command) error {
	action := cmd.SubVerb
	if action == "" && len(cmd.Args) > 0 {
		action = cmd.Args[0]
	}

	var intent func(context.Context) (status.Status, error)
	switch action {
	case protocol.SubVerbOff:
		intent = h.node.GoOff
	case protocol.SubVerbServing:
		intent = h.node.GoServing
	case protocol.SubVerbConsuming:
		intent = h.node.GoConsuming
	case protocol.SubVerbStatus:
		return conn.WriteOK(h.node.GetStatus(ctx).String())
	case "":
		return conn.WriteErr(protocol.ErrMissingParam, "action required: OFF, SERVING, CONSUMING or STATUS")
	default:
		return conn.WriteErr(protocol.ErrInvalidAction, "unknown NODE action "+action)
	}

	if h.IsShuttingDown() {
		return conn.WriteErr(protocol.ErrShuttingDown, "daemon is shutting down")
	}

	ictx, cancel := context.WithTimeout(ctx, h.config.IntentTimeout)
	defer cancel()

	log := conn.logger.With("intent", action)
	log.Infow("intent requested")
	st, err := intent(ictx)
	if err != nil {
		log.Warnw("intent finished with errors", "status", st, "error", err)
	}
	return conn.WriteOK(st.String())
}

// handleSubscribe turns the connection into a push stream. The current
// status is pushed right after the acknowledgement.
func (h *Hub) handleSubscribe(ctx context.Context, conn *Connection, _ *protocol.Command) error {
	pushes := h.broadcaster.Subscribe(conn.ID())
	if err := conn.WriteOK("subscribed"); err != nil {
		h.broadcaster.Unsubscribe(conn.ID())
		return err
	}

	current := protocol.Push{Type: protocol.PushStatus, Status: h.node.GetStatus(ctx).String()}
	if err := conn.WritePush(current); err != nil {
		h.broadcaster.Unsubscribe(conn.ID())
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.pump(pushes)
	}()
	return nil
}
