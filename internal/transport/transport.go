package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEndOfStream is returned by ReadFrame when the peer closed the link cleanly.
var ErrEndOfStream = errors.New("end of stream")

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 1 << 20

// ConnectError means the device could not be reached.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError is a failure on an established stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Stream is one open link to the device. Close unblocks a pending ReadFrame
// and may be called more than once.
type Stream interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Transport opens streams to a host:port address.
type Transport interface {
	Open(ctx context.Context, address string) (Stream, error)
	Name() string
}

type Options struct {
	DialTimeout  time.Duration
	MaxFrameSize int
	// WSPath is the request path used by the websocket transport.
	WSPath string
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.WSPath == "" {
		o.WSPath = "/"
	}
	if !strings.HasPrefix(o.WSPath, "/") {
		o.WSPath = "/" + o.WSPath
	}
	return o
}

// New returns the transport for protocol, "tcp" or "websocket".
func New(protocol string, opts Options) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "tcp":
		return NewTCP(opts), nil
	case "websocket", "ws":
		return NewWebSocket(opts), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}
