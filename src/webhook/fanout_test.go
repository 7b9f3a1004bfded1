package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memConn struct {
	mu      sync.Mutex
	frames  []types.Message
	closeCh chan struct{}
	once    sync.Once
}

func newMemConn() *memConn { return &memConn{closeCh: make(chan struct{})} }

func (c *memConn) Accept() error { return nil }

func (c *memConn) ReadMessage() ([]byte, error) {
	<-c.closeCh
	return nil, errors.New("closed")
}

func (c *memConn) WriteMessage(data []byte) error {
	msg, err := types.UnmarshalMessage(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *memConn) Close(int, string) error {
	c.once.Do(func() { close(c.closeCh) })
	return nil
}

func (c *memConn) notifications() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Message
	for _, m := range c.frames {
		if m.Type == types.TypeNotification {
			out = append(out, m)
		}
	}
	return out
}

type tokens map[string]*auth.TokenPayload

func (v tokens) VerifyConnectionToken(token string) (*auth.TokenPayload, error) {
	if p, ok := v[token]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidToken
}

func TestWebhookFansOutToTenantOnly(t *testing.T) {
	ctx := context.Background()
	broker := bridge.NewMemoryBroker(zerolog.Nop())
	require.NoError(t, broker.Connect(ctx))
	t.Cleanup(func() { _ = broker.Disconnect() })

	registry := hub.New(broker, tokens{
		"a": {Subject: "alice", TenantID: "T", Scope: auth.ScopeConnect},
		"b": {Subject: "bob", TenantID: "T", Scope: auth.ScopeConnect},
		"u": {Subject: "uma", TenantID: "U", Scope: auth.ScopeConnect},
	}, hub.Options{}, zerolog.Nop())

	conns := map[string]*memConn{}
	for _, tok := range []string{"a", "b", "u"} {
		c := newMemConn()
		_, _, err := registry.Connect(ctx, c, tok)
		require.NoError(t, err)
		conns[tok] = c
	}

	in := NewIngestor(registry, NewRegistry(), Options{Workers: 2, QueueSize: 8}, zerolog.Nop())
	in.Start(ctx)
	_, err := in.Ingest(ctx, "custom", []byte(`{"tenant_id":"T","type":"order.created","id":"o-1"}`), Headers{})
	require.NoError(t, err)
	require.NoError(t, in.Stop(ctx))

	require.Eventually(t, func() bool {
		return len(conns["a"].notifications()) == 1 && len(conns["b"].notifications()) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conns["a"].notifications(), 1)
	assert.Len(t, conns["b"].notifications(), 1)
	assert.Empty(t, conns["u"].notifications())

	got := conns["a"].notifications()[0]
	assert.Equal(t, "order.created", got.Payload["event_type"])
	assert.Equal(t, "custom", got.Payload["provider"])

	require.NoError(t, registry.Close(ctx))
}
