package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/service"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/orchestra-mcp/fanout/src/webhook"
)

var errBadRequest = errors.New("bad request")

func (s *Server) registerRoutes(app *fiber.App) {
	app.Get("/health", s.handleHealth)
	app.Post("/webhooks/:provider", s.handleWebhook)

	api := app.Group("/api", s.requireSystemKey)
	api.Post("/broadcast/global", s.handleBroadcastGlobal)
	api.Post("/broadcast/tenant/:tenant_id", s.handleBroadcastTenant)
	api.Post("/webhooks/register", s.handleRegisterWebhook)
	api.Delete("/webhooks/:provider/:tenant_id", s.handleUnregisterWebhook)
	api.Get("/webhooks", s.handleListWebhooks)
	api.Get("/stats", s.handleStats)
}

func (s *Server) requireSystemKey(c fiber.Ctx) error {
	if err := s.keys.VerifySystemAPIKey(c.Get("x-api-key")); err != nil {
		return err
	}
	return c.Next()
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	h := s.svc.Health(c.Context())
	status := fiber.StatusOK
	if h.Status != service.StatusHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(h)
}

// handleWebhook passes the untouched request bytes to the ingestor; the
// signature is computed over them.
func (s *Server) handleWebhook(c fiber.Ctx) error {
	raw := append([]byte(nil), c.Request().Body()...)
	delivery := c.Get("x-github-delivery")
	if delivery == "" {
		delivery = c.Get("x-delivery-id")
	}
	ev, err := s.ingestor.Ingest(c.Context(), c.Params("provider"), raw, webhook.Headers{
		Signature:  c.Get("x-signature"),
		TenantID:   c.Get("x-tenant-id"),
		DeliveryID: delivery,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":    "accepted",
		"provider":  ev.Provider.String(),
		"event_id":  ev.EventID,
		"timestamp": ev.ReceivedAt.Format(time.RFC3339),
	})
}

type broadcastRequest struct {
	MessageType types.MessageType `json:"message_type"`
	Payload     map[string]any    `json:"payload"`
	FromUser    string            `json:"from_user"`
}

func (s *Server) handleBroadcastGlobal(c fiber.Ctx) error {
	var req broadcastRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	n, err := s.svc.BroadcastGlobal(c.Context(), req.MessageType, req.Payload, req.FromUser)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":             true,
		"message":             "broadcast published",
		"subscribers_reached": n,
	})
}

func (s *Server) handleBroadcastTenant(c fiber.Ctx) error {
	var req broadcastRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	tenantID := c.Params("tenant_id")
	n, err := s.svc.BroadcastToTenant(c.Context(), tenantID, req.MessageType, req.Payload, req.FromUser)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":             true,
		"message":             "broadcast published",
		"tenant_id":           tenantID,
		"subscribers_reached": n,
	})
}

type registerRequest struct {
	Provider    string `json:"provider"`
	TenantID    string `json:"tenant_id"`
	Secret      string `json:"secret"`
	Algorithm   string `json:"algorithm"`
	Enabled     *bool  `json:"enabled"`
	RetryPolicy struct {
		MaxAttempts int `json:"max_attempts"`
		BackoffMS   int `json:"backoff_ms"`
	} `json:"retry_policy"`
}

func (s *Server) handleRegisterWebhook(c fiber.Ctx) error {
	var req registerRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	provider, err := webhook.ParseProvider(req.Provider)
	if err != nil {
		return err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	reg, err := s.svc.RegisterWebhook(webhook.Registration{
		Provider:  provider,
		TenantID:  req.TenantID,
		Secret:    req.Secret,
		Algorithm: req.Algorithm,
		Enabled:   enabled,
		RetryPolicy: webhook.RetryPolicy{
			MaxAttempts: req.RetryPolicy.MaxAttempts,
			Backoff:     time.Duration(req.RetryPolicy.BackoffMS) * time.Millisecond,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reg)
}

func (s *Server) handleUnregisterWebhook(c fiber.Ctx) error {
	provider, err := webhook.ParseProvider(c.Params("provider"))
	if err != nil {
		return err
	}
	if !s.svc.UnregisterWebhook(provider, c.Params("tenant_id")) {
		return fiber.NewError(fiber.StatusNotFound, "webhook registration not found")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListWebhooks(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"registrations": s.svc.Webhooks()})
}

func (s *Server) handleStats(c fiber.Ctx) error {
	return c.JSON(s.svc.Stats(c.Context()))
}

func decodeJSON(c fiber.Ctx, out any) error {
	body := c.Body()
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

// handleError renders every handler error as {"error","message"} with the
// status from statusFor.
func (s *Server) handleError(c fiber.Ctx, err error) error {
	status := statusFor(err)
	message := err.Error()
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		message = "internal server error"
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   errorCode(status),
		"message": message,
	})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, webhook.ErrInvalidSignature),
		errors.Is(err, webhook.ErrSignatureRequired),
		errors.Is(err, auth.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, webhook.ErrMalformedBody),
		errors.Is(err, webhook.ErrUnresolvedTenant),
		errors.Is(err, webhook.ErrUnsupportedProvider),
		errors.Is(err, service.ErrInvalidMessageType),
		errors.Is(err, errBadRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, webhook.ErrQueueFull),
		errors.Is(err, webhook.ErrStopped),
		errors.Is(err, hub.ErrCapacity):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorCode(status int) string {
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}
