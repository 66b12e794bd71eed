// Package mesh receives vehicle positions broadcast over the radio mesh and
// re-broadcasts simulated positions onto it.
package mesh

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a transport once it has been closed.
var ErrClosed = errors.New("mesh transport closed")

// Frame is one datagram or message received from the mesh.
type Frame struct {
	Payload    []byte
	Sender     string
	ReceivedAt time.Time
}

// Transport moves raw packets to and from the mesh.
type Transport interface {
	// Receive blocks until a frame arrives, ctx is done or the transport is closed.
	Receive(ctx context.Context) (Frame, error)
	// Send broadcasts payload to every mesh node.
	Send(ctx context.Context, payload []byte) error
	Close() error
}
