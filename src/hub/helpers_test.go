package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu         sync.Mutex
	written    [][]byte
	readCh     chan []byte
	closedCh   chan struct{}
	closed     bool
	closeCode  int
	closeCalls int
	accepted   bool
	acceptErr  error
	writeErr   error
	// block, when set before Connect, stalls every write until it is
	// closed or the connection is.
	block chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptErr != nil {
		return m.acceptErr
	}
	m.accepted = true
	return nil
}

func (m *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.readCh:
		return data, nil
	case <-m.closedCh:
		return nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(data []byte) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-m.closedCh:
			return errConnClosed
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.closed {
		return errConnClosed
	}
	m.written = append(m.written, append([]byte(nil), data...))
	return nil
}

func (m *mockConn) Close(code int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if !m.closed {
		m.closed = true
		m.closeCode = code
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) isAccepted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *mockConn) closeState() (bool, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode, m.closeCalls
}

func (m *mockConn) messages(t *testing.T) []types.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, 0, len(m.written))
	for _, raw := range m.written {
		msg, err := types.UnmarshalMessage(raw)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// messagesOfType filters written frames, skipping the welcome frame and pongs
// when a test cares about one type only.
func (m *mockConn) messagesOfType(t *testing.T, typ types.MessageType) []types.Message {
	t.Helper()
	var out []types.Message
	for _, msg := range m.messages(t) {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// countOfType is messagesOfType without assertions, for polling.
func (m *mockConn) countOfType(typ types.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, raw := range m.written {
		if msg, err := types.UnmarshalMessage(raw); err == nil && msg.Type == typ {
			n++
		}
	}
	return n
}

// waitFor blocks until the write pump has delivered n frames of typ.
func (m *mockConn) waitFor(t *testing.T, typ types.MessageType, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.countOfType(typ) >= n
	}, time.Second, 2*time.Millisecond, "waiting for %d %s frames", n, typ)
}

// stubVerifier maps literal tokens to identities.
type stubVerifier map[string]*auth.TokenPayload

func (s stubVerifier) VerifyConnectionToken(token string) (*auth.TokenPayload, error) {
	p, ok := s[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return p, nil
}

func testVerifier() stubVerifier {
	return stubVerifier{
		"tok-alice":  {Subject: "alice", TenantID: "t1", Scope: auth.ScopeConnect},
		"tok-alice2": {Subject: "alice", TenantID: "t1", Scope: auth.ScopeConnect},
		"tok-bob":    {Subject: "bob", TenantID: "t1", Scope: auth.ScopeConnect},
		"tok-carol":  {Subject: "carol", TenantID: "t2", Scope: auth.ScopeConnect},
	}
}

type publishedMsg struct {
	channel string
	msg     types.Message
}

// recordingBroker records publishes and never delivers them.
type recordingBroker struct {
	mu           sync.Mutex
	published    []publishedMsg
	handlers     map[string]bridge.Handler
	publishErr   error
	subscribeErr error
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{handlers: make(map[string]bridge.Handler)}
}

func (b *recordingBroker) Connect(context.Context) error { return nil }
func (b *recordingBroker) Disconnect() error             { return nil }
func (b *recordingBroker) Ping(context.Context) error    { return nil }
func (b *recordingBroker) Connected() bool               { return true }

func (b *recordingBroker) Publish(_ context.Context, channel string, msg types.Message) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return 0, b.publishErr
	}
	b.published = append(b.published, publishedMsg{channel: channel, msg: msg})
	return 1, nil
}

func (b *recordingBroker) Subscribe(_ context.Context, channel string, handler bridge.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[channel] = handler
	return nil
}

func (b *recordingBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

func (b *recordingBroker) publishes() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

func (b *recordingBroker) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel]
	return ok
}

func newTestRegistry(t *testing.T, broker bridge.Broker, maxConns int) *Registry {
	t.Helper()
	return newTestRegistryWith(t, broker, Options{MaxConnections: maxConns})
}

func newTestRegistryWith(t *testing.T, broker bridge.Broker, opts Options) *Registry {
	t.Helper()
	r := New(broker, testVerifier(), opts, zerolog.Nop())
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func newLoopbackBroker(t *testing.T) *bridge.MemoryBroker {
	t.Helper()
	b := bridge.NewMemoryBroker(zerolog.Nop())
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

func connect(t *testing.T, r *Registry, token string) (string, *mockConn) {
	t.Helper()
	conn := newMockConn()
	id, _, err := r.Connect(context.Background(), conn, token)
	require.NoError(t, err)
	conn.waitFor(t, types.TypeSystem, 1)
	return id, conn
}
