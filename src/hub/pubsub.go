package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/fanout/src/types"
)

// Send queues msg for one local connection and returns without waiting for
// the socket. A peer whose queue is full is treated as dead and
// disconnected; a failed write disconnects it from the write pump.
func (r *Registry) Send(ctx context.Context, connectionID string, msg types.Message) error {
	s := r.session(connectionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.enqueue(data); err != nil {
		if errors.Is(err, ErrSlowConsumer) {
			r.logger.Warn().Str("connection_id", connectionID).Msg("send queue full, dropping connection")
			r.closeSession(ctx, connectionID, types.CloseTryAgainLater, "send queue full")
		}
		return fmt.Errorf("send to %s: %w", connectionID, err)
	}
	return nil
}

// BroadcastToTenant publishes msg on the tenant channel. Local sockets are
// never written here; they receive the message through the broker callback
// like every other instance.
func (r *Registry) BroadcastToTenant(ctx context.Context, tenantID string, msg types.Message) (int64, error) {
	if tenantID == "" {
		return 0, errors.New("broadcast to tenant: empty tenant id")
	}
	n, err := r.broker.Publish(ctx, types.TenantChannel(tenantID), msg)
	r.metrics.RecordPublish("tenant", err)
	if err != nil {
		return 0, fmt.Errorf("broadcast to tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// SendToUser publishes msg on the tenant channel addressed to one user.
// Every connection of that user in the tenant, on any instance, receives it.
func (r *Registry) SendToUser(ctx context.Context, tenantID, userID string, msg types.Message) (int64, error) {
	if userID == "" {
		return 0, errors.New("send to user: empty user id")
	}
	msg.ToUser = userID
	return r.BroadcastToTenant(ctx, tenantID, msg)
}

// BroadcastGlobal publishes msg to every connection on every instance.
func (r *Registry) BroadcastGlobal(ctx context.Context, msg types.Message) (int64, error) {
	n, err := r.broker.Publish(ctx, types.GlobalChannel, msg)
	r.metrics.RecordPublish("global", err)
	if err != nil {
		return 0, fmt.Errorf("broadcast global: %w", err)
	}
	return n, nil
}

// HandleBrokerMessage is the broker callback. It fans msg out to the local
// connections addressed by channel.
func (r *Registry) HandleBrokerMessage(ctx context.Context, channel string, msg types.Message) error {
	var targets []string
	if channel == types.GlobalChannel {
		targets = r.connectionIDs()
	} else if tenantID, ok := types.ParseTenantChannel(channel); ok {
		targets = r.tenantTargets(tenantID, msg.ToUser)
	} else {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	delivered := 0
	for _, id := range targets {
		if err := r.Send(ctx, id, msg); err == nil {
			delivered++
		}
	}
	r.logger.Debug().
		Str("channel", channel).
		Str("type", string(msg.Type)).
		Int("targets", len(targets)).
		Int("delivered", delivered).
		Msg("broker message fanned out")
	return nil
}

// HandleInboundFrame processes one frame read from a client.
func (r *Registry) HandleInboundFrame(ctx context.Context, connectionID string, raw []byte) error {
	s := r.session(connectionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	s.recordReceived()
	r.totalReceived.Add(1)
	r.metrics.MessagesReceived.Inc()

	msg, err := types.UnmarshalMessage(raw)
	if err != nil {
		r.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("malformed client frame")
		return r.Send(ctx, connectionID, errorMessage("invalid_message", err.Error()))
	}

	switch msg.Type {
	case types.TypePing:
		return r.Send(ctx, connectionID, types.NewMessage(types.TypePong, map[string]any{
			"server_time": time.Now().UTC().Format(time.RFC3339Nano),
		}))

	case types.TypeMessage, types.TypeBroadcast:
		// Identity and tenant come from the session, never from the frame.
		msg.FromUser = s.userID
		msg.Timestamp = time.Now().UTC()
		if msg.MessageID == "" {
			msg.MessageID = uuid.NewString()
		}
		if msg.Payload == nil {
			msg.Payload = map[string]any{}
		}
		if _, err := r.BroadcastToTenant(ctx, s.tenantID, msg); err != nil {
			r.logger.Error().Err(err).Str("connection_id", connectionID).Msg("client message not routed")
			_ = r.Send(ctx, connectionID, errorMessage("delivery_failed", "message could not be routed"))
			return err
		}
		return nil

	default:
		r.logger.Debug().
			Str("connection_id", connectionID).
			Str("type", string(msg.Type)).
			Msg("client frame type not handled, ignoring")
		return nil
	}
}

func errorMessage(code, detail string) types.Message {
	return types.NewMessage(types.TypeError, map[string]any{
		"error":  code,
		"detail": detail,
	})
}

func (r *Registry) connectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) tenantTargets(tenantID, toUser string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.tenants[tenantID]
	ids := make([]string, 0, len(set))
	for id := range set {
		if toUser != "" && r.connections[id].userID != toUser {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
