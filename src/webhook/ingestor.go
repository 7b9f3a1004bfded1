package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/metrics"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported webhook provider")
	ErrMalformedBody       = errors.New("malformed webhook body")
	ErrUnresolvedTenant    = errors.New("webhook tenant could not be resolved")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrSignatureRequired   = errors.New("webhook signature required")
	ErrQueueFull           = errors.New("webhook queue full")
	ErrStopped             = errors.New("webhook ingestor stopped")
)

// Publisher delivers a message to every connection of a tenant.
type Publisher interface {
	BroadcastToTenant(ctx context.Context, tenantID string, msg types.Message) (int64, error)
}

// Headers carries the request headers the pipeline reads.
type Headers struct {
	Signature string
	TenantID  string
	// DeliveryID identifies one delivery, e.g. X-GitHub-Delivery. It takes
	// precedence over any id found in the payload.
	DeliveryID string
}

// Event is one accepted webhook call.
type Event struct {
	Provider   Provider       `json:"provider"`
	EventType  string         `json:"event_type"`
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	Signature  string         `json:"signature,omitempty"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Message converts the event into the notification delivered to clients.
func (e *Event) Message() types.Message {
	msg := types.NewMessage(types.TypeNotification, map[string]any{
		"source":      "webhook",
		"provider":    e.Provider.String(),
		"event_type":  e.EventType,
		"event_id":    e.EventID,
		"data":        e.Payload,
		"received_at": e.ReceivedAt.Format(time.RFC3339Nano),
	})
	msg.MessageID = e.EventID
	return msg
}

// Stats are the ingestor counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

type Options struct {
	Workers   int
	QueueSize int
	// StrictSignatures rejects calls without an enabled registration or without a signature.
	StrictSignatures bool
	Metrics          *metrics.Metrics
}

// Ingestor validates inbound webhook calls and hands them to a bounded
// worker pool that publishes them as tenant notifications.
type Ingestor struct {
	publisher Publisher
	registry  *Registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	strict    bool
	workers   int

	mu      sync.RWMutex
	queue   chan *Event
	started bool
	stopped bool
	group   *errgroup.Group

	processed atomic.Int64
	failed    atomic.Int64
}

func NewIngestor(publisher Publisher, registry *Registry, opts Options, logger zerolog.Logger) *Ingestor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Ingestor{
		publisher: publisher,
		registry:  registry,
		metrics:   m,
		logger:    logger.With().Str("component", "webhook").Logger(),
		strict:    opts.StrictSignatures,
		workers:   opts.Workers,
		queue:     make(chan *Event, opts.QueueSize),
	}
}

// Registry returns the registration store.
func (i *Ingestor) Registry() *Registry { return i.registry }

// Ingest validates one call and queues it for publishing. rawBody must be
// the exact request bytes.
func (i *Ingestor) Ingest(ctx context.Context, providerName string, rawBody []byte, h Headers) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingest webhook: %w", err)
	}
	provider, err := ParseProvider(providerName)
	if err != nil {
		i.reject("unsupported", err)
		return nil, err
	}

	ev, err := i.validate(provider, rawBody, h)
	if err != nil {
		i.reject(provider.String(), err)
		return nil, err
	}

	// the caller may have given up while the body was being verified
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingest webhook: %w", err)
	}
	if err := i.enqueue(ev); err != nil {
		i.failed.Add(1)
		i.metrics.RecordWebhook(provider.String(), metrics.WebhookFailed)
		i.logger.Warn().Err(err).
			Str("provider", provider.String()).
			Str("tenant_id", ev.TenantID).
			Msg("webhook not queued")
		return nil, err
	}

	i.logger.Info().
		Str("provider", provider.String()).
		Str("tenant_id", ev.TenantID).
		Str("event_type", ev.EventType).
		Str("event_id", ev.EventID).
		Msg("webhook accepted")
	return ev, nil
}

func (i *Ingestor) validate(provider Provider, rawBody []byte, h Headers) (*Event, error) {
	payload, first, err := decodeBody(rawBody)
	if err != nil {
		return nil, err
	}

	tenantID, err := i.resolveTenant(provider, first, h.TenantID)
	if err != nil {
		return nil, err
	}

	if err := i.checkSignature(provider, tenantID, rawBody, h.Signature); err != nil {
		return nil, err
	}

	rule := provider.rules()
	eventType, ok := lookup(first, rule.eventType...)
	if !ok && len(rule.eventType) == 0 {
		eventType, ok = lookup(first, defaultEventTypeField)
	}
	if !ok {
		eventType = "unknown"
	}
	eventID := strings.TrimSpace(h.DeliveryID)
	if eventID == "" {
		if eventID, ok = rule.lookupEventID(first); !ok {
			eventID = uuid.NewString()
		}
	}

	return &Event{
		Provider:   provider,
		EventType:  eventType,
		EventID:    eventID,
		TenantID:   tenantID,
		Signature:  h.Signature,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// decodeBody accepts one JSON object or a non-empty array of objects, the
// batch form SendGrid posts. A batch is delivered whole under "events" and
// its first element is used for tenant, type and id resolution.
func decodeBody(rawBody []byte) (map[string]any, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if dec.More() {
		return nil, nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedBody)
	}

	switch v := body.(type) {
	case map[string]any:
		return v, v, nil
	case []any:
		if len(v) == 0 {
			return nil, nil, fmt.Errorf("%w: empty event batch", ErrMalformedBody)
		}
		for n, item := range v {
			if _, ok := item.(map[string]any); !ok {
				return nil, nil, fmt.Errorf("%w: batch element %d is not a JSON object", ErrMalformedBody, n)
			}
		}
		return map[string]any{"events": v}, v[0].(map[string]any), nil
	default:
		return nil, nil, fmt.Errorf("%w: body is not a JSON object or array of objects", ErrMalformedBody)
	}
}

// resolveTenant prefers the explicit header, then the provider rule, then
// the generic field list.
func (i *Ingestor) resolveTenant(provider Provider, payload map[string]any, header string) (string, error) {
	if header = strings.TrimSpace(header); header != "" {
		return header, nil
	}
	if tenantID, ok := lookup(payload, provider.rules().tenant...); ok {
		return tenantID, nil
	}
	if tenantID, ok := lookup(payload, fallbackTenantFields...); ok {
		i.logger.Debug().
			Str("provider", provider.String()).
			Str("tenant_id", tenantID).
			Msg("tenant resolved from generic field")
		return tenantID, nil
	}
	return "", fmt.Errorf("%w: provider %s", ErrUnresolvedTenant, provider)
}

func (i *Ingestor) checkSignature(provider Provider, tenantID string, rawBody []byte, signature string) error {
	reg, ok := i.registry.Get(provider, tenantID)
	switch {
	case !ok:
		if i.strict {
			return fmt.Errorf("%w: no registration for %s/%s", ErrSignatureRequired, provider, tenantID)
		}
		i.logger.Warn().
			Str("provider", provider.String()).
			Str("tenant_id", tenantID).
			Msg("no webhook registration, signature not verified")
		return nil
	case !reg.Enabled:
		i.logger.Debug().
			Str("provider", provider.String()).
			Str("tenant_id", tenantID).
			Msg("webhook registration disabled, signature not verified")
		return nil
	case signature == "":
		if i.strict {
			return fmt.Errorf("%w: missing signature header", ErrSignatureRequired)
		}
		i.logger.Warn().
			Str("provider", provider.String()).
			Str("tenant_id", tenantID).
			Msg("webhook signature header missing, signature not verified")
		return nil
	}

	if !auth.VerifyWebhookSignature(rawBody, signature, reg.Secret, reg.Algorithm) {
		return ErrInvalidSignature
	}
	return nil
}

func (i *Ingestor) reject(provider string, err error) {
	i.failed.Add(1)
	i.metrics.RecordWebhook(provider, metrics.WebhookRejected)
	i.logger.Warn().Err(err).Str("provider", provider).Msg("webhook rejected")
}

func (i *Ingestor) enqueue(ev *Event) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		return ErrStopped
	}
	select {
	case i.queue <- ev:
		i.metrics.WebhookQueueDepth.Set(float64(len(i.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool. Workers publish with ctx and exit once
// Stop has closed the queue and it is drained.
func (i *Ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started || i.stopped {
		return
	}
	i.started = true

	i.group = &errgroup.Group{}
	for n := 0; n < i.workers; n++ {
		i.group.Go(func() error {
			for ev := range i.queue {
				i.metrics.WebhookQueueDepth.Set(float64(len(i.queue)))
				i.process(ctx, ev)
			}
			return nil
		})
	}
	i.logger.Info().Int("workers", i.workers).Int("queue_size", cap(i.queue)).Msg("webhook workers started")
}

// Stop refuses new calls, closes the queue and waits for the workers to
// drain it or for ctx to expire.
func (i *Ingestor) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	close(i.queue)
	group := i.group
	i.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		i.logger.Info().Msg("webhook workers drained")
		return err
	case <-ctx.Done():
		return fmt.Errorf("drain webhook queue: %w", ctx.Err())
	}
}

func (i *Ingestor) process(ctx context.Context, ev *Event) {
	policy := DefaultRetryPolicy()
	if reg, ok := i.registry.Get(ev.Provider, ev.TenantID); ok {
		policy = reg.RetryPolicy
	}
	msg := ev.Message()

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if _, err = i.publisher.BroadcastToTenant(ctx, ev.TenantID, msg); err == nil {
			break
		}
		i.logger.Warn().Err(err).
			Str("event_id", ev.EventID).
			Int("attempt", attempt).
			Msg("webhook publish failed")
		if attempt == policy.MaxAttempts || !sleep(ctx, policy.Backoff) {
			break
		}
	}

	if err != nil {
		i.failed.Add(1)
		i.metrics.RecordWebhook(ev.Provider.String(), metrics.WebhookFailed)
		i.logger.Error().Err(err).
			Str("provider", ev.Provider.String()).
			Str("tenant_id", ev.TenantID).
			Str("event_id", ev.EventID).
			Msg("webhook dropped")
		return
	}
	i.processed.Add(1)
	i.metrics.RecordWebhook(ev.Provider.String(), metrics.WebhookProcessed)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats returns a snapshot of the counters.
func (i *Ingestor) Stats() Stats {
	return Stats{
		Processed: i.processed.Load(),
		Failed:    i.failed.Load(),
		Queued:    len(i.queue),
	}
}
