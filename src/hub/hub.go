package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/metrics"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	ErrCapacity           = errors.New("connection capacity reached")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrSlowConsumer       = errors.New("connection send queue full")
)

const defaultSendBuffer = 256

// TokenVerifier authenticates connection tokens.
type TokenVerifier interface {
	VerifyConnectionToken(token string) (*auth.TokenPayload, error)
}

// Options tunes a Registry.
type Options struct {
	// MaxConnections caps active connections on this instance. Zero means no cap.
	MaxConnections int
	// SendBuffer is the outbound queue length per connection. Defaults to 256.
	SendBuffer int
	// Metrics receives connection and message counters. A private registry is used when nil.
	Metrics *metrics.Metrics
}

// Registry tracks the WebSocket sessions local to this instance and bridges
// them to the broker. The connection, user and tenant maps are guarded by
// one mutex so connect and disconnect are atomic with respect to fanout.
type Registry struct {
	broker   bridge.Broker
	verifier TokenVerifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	maxConns int
	sendBuf  int

	mu          sync.RWMutex
	connections map[string]*session
	users       map[string]map[string]struct{}
	tenants     map[string]map[string]struct{}
	pending     int

	// subMu serializes broker subscribe/unsubscribe decisions.
	subMu             sync.Mutex
	subscribedTenants map[string]struct{}
	globalSubscribed  bool

	totalSent     atomic.Int64
	totalReceived atomic.Int64
}

// New creates a Registry. It is constructed once at the composition root
// and handed to the transports that need it.
func New(broker bridge.Broker, verifier TokenVerifier, opts Options, logger zerolog.Logger) *Registry {
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if opts.SendBuffer < 1 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Registry{
		broker:            broker,
		verifier:          verifier,
		metrics:           m,
		logger:            logger.With().Str("component", "registry").Logger(),
		maxConns:          opts.MaxConnections,
		sendBuf:           opts.SendBuffer,
		connections:       make(map[string]*session),
		users:             make(map[string]map[string]struct{}),
		tenants:           make(map[string]map[string]struct{}),
		subscribedTenants: make(map[string]struct{}),
	}
}

// Connect authenticates token, applies admission control and registers the
// session. The transport is closed without being accepted when either check
// fails.
func (r *Registry) Connect(ctx context.Context, conn types.Conn, token string) (string, *auth.TokenPayload, error) {
	payload, err := r.verifier.VerifyConnectionToken(token)
	if err != nil {
		r.metrics.Connections.WithLabelValues(metrics.ConnUnauthorized).Inc()
		r.logger.Warn().Err(err).Msg("connection rejected: authentication failed")
		_ = conn.Close(types.ClosePolicyViolation, "authentication failed")
		return "", nil, err
	}

	if !r.reserve() {
		r.metrics.Connections.WithLabelValues(metrics.ConnCapacity).Inc()
		r.logger.Warn().
			Str("user_id", payload.Subject).
			Str("tenant_id", payload.TenantID).
			Int("max_connections", r.maxConns).
			Msg("connection rejected: at capacity")
		_ = conn.Close(types.CloseTryAgainLater, "server at capacity")
		return "", nil, ErrCapacity
	}

	if err := conn.Accept(); err != nil {
		r.release()
		r.metrics.Connections.WithLabelValues(metrics.ConnError).Inc()
		return "", nil, fmt.Errorf("accept connection: %w", err)
	}

	id := uuid.NewString()
	s := newSession(id, conn, payload, r.sendBuf)

	r.mu.Lock()
	r.pending--
	r.connections[id] = s
	addIndex(r.users, payload.Subject, id)
	addIndex(r.tenants, payload.TenantID, id)
	r.metrics.ActiveConnections.Set(float64(len(r.connections)))
	r.mu.Unlock()

	go r.writePump(context.WithoutCancel(ctx), s)

	if err := r.ensureGlobal(ctx); err != nil {
		r.closeSession(ctx, id, types.CloseInternalError, "subscription failed")
		r.metrics.Connections.WithLabelValues(metrics.ConnError).Inc()
		return "", nil, err
	}
	if err := r.reconcileTenant(ctx, payload.TenantID); err != nil {
		r.closeSession(ctx, id, types.CloseInternalError, "subscription failed")
		r.metrics.Connections.WithLabelValues(metrics.ConnError).Inc()
		return "", nil, err
	}
	r.metrics.Connections.WithLabelValues(metrics.ConnAccepted).Inc()

	r.logger.Info().
		Str("connection_id", id).
		Str("user_id", payload.Subject).
		Str("tenant_id", payload.TenantID).
		Msg("client connected")

	welcome := types.NewMessage(types.TypeSystem, map[string]any{
		"event":         "connected",
		"connection_id": id,
		"user_id":       payload.Subject,
		"tenant_id":     payload.TenantID,
	})
	welcome.MessageID = uuid.NewString()
	if err := r.Send(ctx, id, welcome); err != nil {
		return "", nil, err
	}
	return id, payload, nil
}

// Disconnect closes and forgets a connection. Unknown or already closed ids
// are ignored.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) {
	r.closeSession(ctx, connectionID, types.CloseNormal, "")
}

// Close disconnects every local session and drops the global subscription.
func (r *Registry) Close(ctx context.Context) error {
	for _, id := range r.connectionIDs() {
		r.closeSession(ctx, id, types.CloseGoingAway, "server shutting down")
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	if !r.globalSubscribed {
		return nil
	}
	if err := r.broker.Unsubscribe(ctx, types.GlobalChannel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", types.GlobalChannel, err)
	}
	r.globalSubscribed = false
	return nil
}

func (r *Registry) closeSession(ctx context.Context, id string, code int, reason string) {
	r.mu.Lock()
	s, ok := r.connections[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.setState(types.StateClosing)
	delete(r.connections, id)
	removeIndex(r.users, s.userID, id)
	removeIndex(r.tenants, s.tenantID, id)
	r.metrics.ActiveConnections.Set(float64(len(r.connections)))
	r.mu.Unlock()

	if err := s.close(code, reason); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", id).Msg("transport close error ignored")
	}
	if err := r.reconcileTenant(ctx, s.tenantID); err != nil {
		r.logger.Error().Err(err).Str("tenant_id", s.tenantID).Msg("tenant unsubscribe failed")
	}

	r.logger.Info().
		Str("connection_id", id).
		Str("user_id", s.userID).
		Str("tenant_id", s.tenantID).
		Dur("duration", time.Since(s.connectedAt)).
		Msg("client disconnected")
}

// reserve claims a connection slot ahead of any registry mutation.
func (r *Registry) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxConns > 0 && len(r.connections)+r.pending >= r.maxConns {
		return false
	}
	r.pending++
	return true
}

func (r *Registry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
}

// reconcileTenant subscribes to the tenant channel while the tenant has
// local connections and unsubscribes once it has none.
func (r *Registry) reconcileTenant(ctx context.Context, tenantID string) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.RLock()
	local := len(r.tenants[tenantID])
	r.mu.RUnlock()

	_, subscribed := r.subscribedTenants[tenantID]
	channel := types.TenantChannel(tenantID)
	switch {
	case local > 0 && !subscribed:
		if err := r.broker.Subscribe(ctx, channel, r.HandleBrokerMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		r.subscribedTenants[tenantID] = struct{}{}
		r.logger.Debug().Str("tenant_id", tenantID).Msg("tenant channel subscribed")
	case local == 0 && subscribed:
		if err := r.broker.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", channel, err)
		}
		delete(r.subscribedTenants, tenantID)
		r.logger.Debug().Str("tenant_id", tenantID).Msg("tenant channel unsubscribed")
	}
	return nil
}

func (r *Registry) ensureGlobal(ctx context.Context) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.globalSubscribed {
		return nil
	}
	if err := r.broker.Subscribe(ctx, types.GlobalChannel, r.HandleBrokerMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", types.GlobalChannel, err)
	}
	r.globalSubscribed = true
	return nil
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
