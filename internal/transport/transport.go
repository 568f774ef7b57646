// Package transport owns the single real-time connection to the chat
// broker: its lifecycle, reconnect backoff and authentication handshake.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Publish and Subscribe outside CONNECTED.
var ErrNotConnected = errors.New("transport: not connected")

// Frame is one inbound MESSAGE frame.
type Frame struct {
	Destination  string
	Subscription string
	Body         []byte
}

// Subscription is a live broker subscription. C is closed when the
// subscription ends, either by Unsubscribe or because the connection died.
type Subscription interface {
	C() <-chan Frame
	Unsubscribe() error
}

// Conn is one established broker session.
type Conn interface {
	Send(destination string, body []byte) error
	Subscribe(destination, id string) (Subscription, error)
	// Done is closed when the connection is gone for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens a Conn. headers are sent with the STOMP CONNECT frame.
type Dialer interface {
	Dial(ctx context.Context, headers map[string]string) (Conn, error)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules with the runtime timer.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
