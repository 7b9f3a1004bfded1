// Package bridge provides the pub/sub broker that carries messages between
// service instances.
package bridge

import (
	"context"
	"errors"

	"github.com/orchestra-mcp/fanout/src/types"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("broker closed")
)

// Handler receives a decoded message published on a subscribed channel.
type Handler func(ctx context.Context, channel string, msg types.Message) error

// Broker is a publish/subscribe transport shared by every instance.
// Publish is safe for concurrent use; a single listener per process
// dispatches inbound frames to the registered handlers.
type Broker interface {
	// Connect opens the broker handle. Failure is fatal at startup.
	Connect(ctx context.Context) error

	// Disconnect stops the listener, drops every subscription and closes
	// the handle.
	Disconnect() error

	// Publish sends msg on channel and returns the subscriber count the
	// broker reported. The count is informational only.
	Publish(ctx context.Context, channel string, msg types.Message) (int64, error)

	// Subscribe registers handler for channel. Subscribing twice is a no-op.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Unsubscribe removes the handler for channel. Unknown channels are a no-op.
	Unsubscribe(ctx context.Context, channel string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Connected reports whether Connect succeeded and Disconnect has not run.
	Connected() bool
}
