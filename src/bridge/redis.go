package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker relays messages between service instances via Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	pubsub   *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool
}

// NewRedisBroker creates a broker backed by Redis pub/sub.
func NewRedisBroker(cfg *RedisConfig, logger zerolog.Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBroker{
		client:   client,
		prefix:   cfg.Prefix,
		logger:   logger.With().Str("component", "redis-broker").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Connect verifies the Redis connection.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active.Load() {
		return nil
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.active.Store(true)

	b.logger.Info().Str("addr", b.client.Options().Addr).Msg("redis broker connected")
	return nil
}

// Publish sends a message on channel to every subscribed instance.
func (b *RedisBroker) Publish(ctx context.Context, channel string, msg types.Message) (int64, error) {
	if !b.active.Load() {
		return 0, ErrNotConnected
	}
	data, err := msg.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal message for %s: %w", channel, err)
	}
	n, err := b.client.Publish(ctx, b.prefix+channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe registers handler for channel. The listener goroutine is
// started on the first subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", channel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active.Load() {
		return ErrNotConnected
	}
	if _, ok := b.handlers[channel]; ok {
		b.logger.Warn().Str("channel", channel).Msg("already subscribed")
		return nil
	}

	if b.pubsub == nil {
		sub := b.client.Subscribe(ctx, b.prefix+channel)
		// Wait for subscription confirmation.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		b.pubsub = sub
		b.wg.Add(1)
		go b.listen(b.ctx, sub)
	} else if err := b.pubsub.Subscribe(ctx, b.prefix+channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.handlers[channel] = handler
	b.logger.Debug().Str("channel", channel).Msg("subscribed")
	return nil
}

// Unsubscribe removes the handler for channel.
func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[channel]; !ok {
		return nil
	}
	delete(b.handlers, channel)

	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(ctx, b.prefix+channel); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", channel, err)
		}
	}
	b.logger.Debug().Str("channel", channel).Msg("unsubscribed")
	return nil
}

// Ping checks that Redis is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if !b.active.Load() {
		return ErrNotConnected
	}
	return b.client.Ping(ctx).Err()
}

// Connected reports whether the broker is connected.
func (b *RedisBroker) Connected() bool {
	return b.active.Load()
}

// Disconnect cancels the listener, unsubscribes every channel and closes
// the Redis connection. Every step runs even when an earlier one fails.
func (b *RedisBroker) Disconnect() error {
	b.mu.Lock()
	b.active.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	sub := b.pubsub
	b.pubsub = nil
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, b.prefix+ch)
	}
	b.handlers = make(map[string]Handler)
	b.mu.Unlock()

	var errs []error
	if sub != nil {
		if len(channels) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := sub.Unsubscribe(ctx, channels...); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
			cancel()
		}
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	b.wg.Wait()

	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	b.logger.Info().Msg("redis broker disconnected")
	return errors.Join(errs...)
}

// listen reads every frame from the subscription and dispatches it.
func (b *RedisBroker) listen(ctx context.Context, sub *redis.PubSub) {
	defer b.wg.Done()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBroker) handleRedisMessage(ctx context.Context, m *redis.Message) {
	channel := strings.TrimPrefix(m.Channel, b.prefix)

	b.mu.RLock()
	handler, ok := b.handlers[channel]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn().Str("channel", channel).Msg("message on unknown channel dropped")
		return
	}

	msg, err := types.UnmarshalMessage([]byte(m.Payload))
	if err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("failed to decode redis message")
		return
	}
	dispatch(ctx, b.logger, handler, channel, msg)
}

// dispatch runs one handler call, isolating failures to this message.
func dispatch(ctx context.Context, logger zerolog.Logger, handler Handler, channel string, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("channel", channel).Msg("broker handler panicked")
		}
	}()
	if err := handler(ctx, channel, msg); err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("broker handler error")
	}
}
