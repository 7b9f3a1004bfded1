package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/types"
)

var errSessionClosed = errors.New("session closed")

// session wraps one accepted transport. Identity fields are immutable;
// the activity fields are guarded by mu. Frames reach the transport only
// through the send queue, drained by writePump.
type session struct {
	id          string
	conn        types.Conn
	userID      string
	tenantID    string
	connectedAt time.Time
	metadata    map[string]any

	send chan []byte
	done chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	sent         int64
	received     int64
	state        types.ConnectionState
	closeOnce    sync.Once
}

func newSession(id string, conn types.Conn, payload *auth.TokenPayload, buffer int) *session {
	now := time.Now().UTC()
	return &session{
		id:           id,
		conn:         conn,
		userID:       payload.Subject,
		tenantID:     payload.TenantID,
		connectedAt:  now,
		metadata:     payload.Metadata,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		lastActivity: now,
		state:        types.StateConnected,
	}
}

// enqueue queues one frame without blocking.
func (s *session) enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateConnected {
		return errSessionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *session) recordSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.lastActivity = time.Now().UTC()
}

func (s *session) recordReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.lastActivity = time.Now().UTC()
}

func (s *session) setState(state types.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// close releases the transport once. Later calls are no-ops.
func (s *session) close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(types.StateClosing)
		close(s.done)
		err = s.conn.Close(code, reason)
		s.setState(types.StateClosed)
	})
	return err
}

func (s *session) info() types.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ConnectionInfo{
		ConnectionID:     s.id,
		UserID:           s.userID,
		TenantID:         s.tenantID,
		ConnectedAt:      s.connectedAt,
		LastActivity:     s.lastActivity,
		Metadata:         s.metadata,
		MessagesSent:     s.sent,
		MessagesReceived: s.received,
		State:            s.state,
	}
}

// Serve reads frames from the connection in receipt order until the
// transport fails, then disconnects it.
func (r *Registry) Serve(ctx context.Context, connectionID string) {
	s := r.session(connectionID)
	if s == nil {
		return
	}
	defer r.closeSession(ctx, connectionID, types.CloseNormal, "")

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			r.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("read loop ended")
			return
		}
		if err := r.HandleInboundFrame(ctx, connectionID, raw); err != nil {
			r.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("inbound frame not delivered")
			if errors.Is(err, ErrConnectionNotFound) {
				return
			}
		}
	}
}

// writePump drains the send queue onto the transport. It is the only
// writer of data frames. A failed write disconnects the session.
func (r *Registry) writePump(ctx context.Context, s *session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(data); err != nil {
				r.logger.Warn().Err(err).Str("connection_id", s.id).Msg("write failed, dropping connection")
				r.closeSession(ctx, s.id, types.CloseInternalError, "write failed")
				return
			}
			s.recordSent()
			r.totalSent.Add(1)
			r.metrics.MessagesSent.Inc()
		}
	}
}

func (r *Registry) session(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}
