package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/rs/zerolog"
)

type delivery struct {
	channel string
	data    []byte
}

// MemoryBroker is an in-process Broker for single-instance deployments and
// tests. Messages are encoded on publish and decoded by one dispatcher
// goroutine, the same path a Redis frame takes.
type MemoryBroker struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	active    bool
	listening bool
	published int64

	queue  chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(logger zerolog.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger:   logger.With().Str("component", "memory-broker").Logger(),
		handlers: make(map[string]Handler),
		queue:    make(chan delivery, 1024),
	}
}

func (b *MemoryBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return nil
	}
	if b.ctx != nil {
		return ErrClosed
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.active = true
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, msg types.Message) (int64, error) {
	data, err := msg.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal message for %s: %w", channel, err)
	}

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return 0, ErrNotConnected
	}
	b.published++
	_, subscribed := b.handlers[channel]
	done := b.ctx.Done()
	b.mu.Unlock()

	if !subscribed {
		return 0, nil
	}
	select {
	case b.queue <- delivery{channel: channel, data: data}:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		return 0, ErrClosed
	}
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", channel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return ErrNotConnected
	}
	if _, ok := b.handlers[channel]; ok {
		b.logger.Warn().Str("channel", channel).Msg("already subscribed")
		return nil
	}
	b.handlers[channel] = handler
	if !b.listening {
		b.listening = true
		b.wg.Add(1)
		go b.listen(b.ctx)
	}
	return nil
}

func (b *MemoryBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return nil
}

func (b *MemoryBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Disconnect stops the dispatcher and drops every subscription. Queued
// messages that were not yet dispatched are discarded.
func (b *MemoryBroker) Disconnect() error {
	b.mu.Lock()
	b.active = false
	if b.cancel != nil {
		b.cancel()
	}
	b.handlers = make(map[string]Handler)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Subscribed reports whether channel currently has a handler.
func (b *MemoryBroker) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[channel]
	return ok
}

// Published returns the number of Publish calls accepted since Connect.
func (b *MemoryBroker) Published() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published
}

func (b *MemoryBroker) listen(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.queue:
			b.deliver(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MemoryBroker) deliver(ctx context.Context, d delivery) {
	b.mu.RLock()
	handler, ok := b.handlers[d.channel]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn().Str("channel", d.channel).Msg("message on unknown channel dropped")
		return
	}
	msg, err := types.UnmarshalMessage(d.data)
	if err != nil {
		b.logger.Error().Err(err).Str("channel", d.channel).Msg("failed to decode message")
		return
	}
	dispatch(ctx, b.logger, handler, d.channel, msg)
}
