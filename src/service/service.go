package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/orchestra-mcp/fanout/src/webhook"
	"github.com/rs/zerolog"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

var ErrInvalidMessageType = errors.New("invalid message type")

// Service provides the administrative broadcast and inspection API.
type Service struct {
	registry *hub.Registry
	broker   bridge.Broker
	ingestor *webhook.Ingestor
	logger   zerolog.Logger
}

// New creates a service over the instance's registry, broker and webhook ingestor.
func New(registry *hub.Registry, broker bridge.Broker, ingestor *webhook.Ingestor, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		broker:   broker,
		ingestor: ingestor,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Registry returns the connection registry.
func (s *Service) Registry() *hub.Registry { return s.registry }

// Ingestor returns the webhook ingestor.
func (s *Service) Ingestor() *webhook.Ingestor { return s.ingestor }

// BroadcastGlobal publishes to every connection on every instance and
// returns the number of instances that received it.
func (s *Service) BroadcastGlobal(ctx context.Context, messageType types.MessageType, payload map[string]any, fromUser string) (int64, error) {
	msg, err := buildMessage(messageType, payload, fromUser)
	if err != nil {
		return 0, err
	}
	n, err := s.registry.BroadcastGlobal(ctx, msg)
	if err != nil {
		return 0, err
	}
	s.logger.Info().
		Str("type", string(msg.Type)).
		Str("message_id", msg.MessageID).
		Int64("subscribers", n).
		Msg("global broadcast published")
	return n, nil
}

// BroadcastToTenant publishes to every connection of tenantID.
func (s *Service) BroadcastToTenant(ctx context.Context, tenantID string, messageType types.MessageType, payload map[string]any, fromUser string) (int64, error) {
	msg, err := buildMessage(messageType, payload, fromUser)
	if err != nil {
		return 0, err
	}
	n, err := s.registry.BroadcastToTenant(ctx, tenantID, msg)
	if err != nil {
		return 0, err
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("type", string(msg.Type)).
		Str("message_id", msg.MessageID).
		Int64("subscribers", n).
		Msg("tenant broadcast published")
	return n, nil
}

func buildMessage(messageType types.MessageType, payload map[string]any, fromUser string) (types.Message, error) {
	if messageType == "" {
		messageType = types.TypeBroadcast
	}
	if !messageType.Valid() {
		return types.Message{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, messageType)
	}
	msg := types.NewMessage(messageType, payload)
	msg.MessageID = uuid.NewString()
	msg.FromUser = fromUser
	return msg, nil
}

// Stats is the instance snapshot served to operators.
type Stats struct {
	hub.Stats
	BrokerConnected bool          `json:"broker_connected"`
	Webhooks        webhook.Stats `json:"webhooks"`
	Timestamp       time.Time     `json:"timestamp"`
}

func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Stats:           s.registry.Stats(),
		BrokerConnected: s.brokerHealthy(ctx),
		Webhooks:        s.ingestor.Stats(),
		Timestamp:       time.Now().UTC(),
	}
}

// Health summarizes liveness for load balancers.
type Health struct {
	Status            string `json:"status"`
	BrokerConnected   bool   `json:"broker_connected"`
	ActiveConnections int    `json:"active_connections"`
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:            StatusHealthy,
		BrokerConnected:   s.brokerHealthy(ctx),
		ActiveConnections: s.registry.ConnectionCount(),
	}
	if !h.BrokerConnected {
		h.Status = StatusDegraded
	}
	return h
}

func (s *Service) brokerHealthy(ctx context.Context) bool {
	if !s.broker.Connected() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("broker ping failed")
		return false
	}
	return true
}

// RegisterWebhook stores a signing registration.
func (s *Service) RegisterWebhook(reg webhook.Registration) (webhook.Registration, error) {
	saved, err := s.ingestor.Registry().Register(reg)
	if err != nil {
		return webhook.Registration{}, err
	}
	s.logger.Info().
		Str("provider", saved.Provider.String()).
		Str("tenant_id", saved.TenantID).
		Bool("enabled", saved.Enabled).
		Msg("webhook registered")
	return saved, nil
}

// UnregisterWebhook removes a registration and reports whether it existed.
func (s *Service) UnregisterWebhook(provider webhook.Provider, tenantID string) bool {
	removed := s.ingestor.Registry().Unregister(provider, tenantID)
	if removed {
		s.logger.Info().
			Str("provider", provider.String()).
			Str("tenant_id", tenantID).
			Msg("webhook unregistered")
	}
	return removed
}

// Webhooks lists every registration.
func (s *Service) Webhooks() []webhook.Registration {
	return s.ingestor.Registry().List()
}
