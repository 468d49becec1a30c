// Package transport is the byte-stream abstraction protocol drivers read
// and write through (§4.4). It never frames or decodes anything itself;
// a driver owns the wire format, transport only owns the link.
package transport

import (
	"context"
	"time"
)

// State is the connection lifecycle state a Stats snapshot reports.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Transport is one physical or virtual link a protocol driver reads and
// writes frames over. Implementations validate their own configuration
// (host/port, device and baud rate, interface name) when NewTransport
// creates them, before Connect is ever called.
type Transport interface {
	// Connect establishes the underlying link. Calling Connect on an
	// already-connected Transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears down the link. Safe to call on an already
	// disconnected Transport.
	Disconnect() error

	// Send writes a frame and returns the number of bytes written.
	Send(ctx context.Context, data []byte) (int, error)

	// Receive reads up to len(buf) bytes, blocking until data arrives,
	// timeout elapses, or ctx is cancelled. A timeout with nothing read
	// returns (0, nil), matching the store adapter's "timeout is not an
	// error" convention.
	Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// IsConnected reports the current link state.
	IsConnected() bool

	// Stats returns a snapshot of the link's counters.
	Stats() Stats

	// Close releases any resources; equivalent to Disconnect plus
	// discarding the Transport.
	Close() error
}

// Kind identifies the variant family a Transport belongs to.
type Kind string

const (
	KindTCP    Kind = "tcp"
	KindSerial Kind = "serial"
	KindCAN    Kind = "can"
	KindMock   Kind = "mock"
)

// URLScheme maps a configuration URL scheme to a transport Kind, mirroring
// §4.4's variant list.
var URLScheme = map[string]Kind{
	"tcp":    KindTCP,
	"serial": KindSerial,
	"can":    KindCAN,
	"mock":   KindMock,
}

// Config configures any transport variant. Only the fields relevant to
// the selected Kind need be set; each variant validates its own subset
// at construction time and ignores the rest.
type Config struct {
	Kind Kind

	// TCP
	Host string
	Port int

	// Serial
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O"

	// CAN
	Interface string

	DialTimeout       time.Duration
	ReconnectCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = 60 * time.Second
	}
	return c
}

// Factory creates a Transport for a given Kind and Config.
type Factory interface {
	Create(cfg Config) (Transport, error)
}

// NewTransport is the default Factory implementation, dispatching on
// cfg.Kind the way transport.Manager previously dispatched on URL scheme.
func NewTransport(cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindTCP:
		return newTCPTransport(cfg)
	case KindSerial:
		return newSerialTransport(cfg)
	case KindCAN:
		return newCANTransport(cfg)
	case KindMock:
		return newMockTransport(cfg), nil
	default:
		return nil, &Error{Op: "create", Kind: cfg.Kind, Err: ErrUnknownKind}
	}
}
