// Package transport advertises the connection methods of an engagement and races
// them: every candidate waits for a reader concurrently and the first one to connect
// becomes the session's transport while all others are torn down.
package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"

	"github.com/kokukuma/mdoc-holder/engagement"
)

var (
	// ErrTransportSetupFailed is returned when no transport could be set up, e.g. due to a radio or permission issue.
	ErrTransportSetupFailed = errors.New("transport setup failed")
	// ErrPermissionDenied is returned by transports when the platform did not authorize the radio or socket.
	ErrPermissionDenied = errors.New("transport permission denied")
	// ErrCancelled is returned when the negotiation was cancelled before any candidate connected.
	ErrCancelled = errors.New("transport negotiation cancelled")
	// ErrNoTransportAvailable is returned when every candidate failed before any connected.
	ErrNoTransportAvailable = errors.New("no transport available")
	// ErrUnsupportedMethod is returned by factories for connection methods they can't serve.
	ErrUnsupportedMethod = errors.New("unsupported connection method")
	// ErrClosed is returned by operations on a transport that was closed.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send and Receive before the transport is connected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrMalformedMessage is returned by Receive when the peer sent something that isn't a message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMessageTooLarge is returned by Receive for a message over Options.MaxMessageSize.
	// It is always wrapped in ErrMalformedMessage.
	ErrMessageTooLarge = errors.New("message too large")
)

// Role is the side of the exchange a transport is created for.
type Role int

const (
	RoleMdoc Role = iota
	RoleMdocReader
)

func (r Role) String() string {
	switch r {
	case RoleMdoc:
		return "mdoc"
	case RoleMdocReader:
		return "mdoc-reader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the lifecycle state of a transport.
type State int32

const (
	StateIdle State = iota
	StateAdvertising
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAdvertising:
		return "ADVERTISING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is a message oriented connection between holder and reader. Each message
// is one complete CBOR encoded SessionEstablishment or SessionData.
type Transport interface {
	// ConnectionMethod returns the method to advertise. After Advertise it reflects
	// the concrete endpoint, e.g. the port actually bound.
	ConnectionMethod() engagement.ConnectionMethod
	Role() Role
	State() State
	// Advertise sets up the endpoint so a reader can connect. It doesn't wait for the reader.
	Advertise(ctx context.Context) error
	// Open blocks until the transport is connected, it fails or ctx is done.
	// eSenderKey is the holder's ephemeral key, which some transports (BLE) use to
	// derive identifiers.
	Open(ctx context.Context, eSenderKey *ecdh.PublicKey) error
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the transport. It is idempotent and safe to call concurrently
	// with any other operation, which then returns ErrClosed.
	Close() error
}

// Options carries settings to the transports created by a Factory.
type Options struct {
	// Host is the local address to listen on. Empty means all interfaces.
	Host string
	// AdvertisedHost is the host put in the engagement. Defaults to Host.
	AdvertisedHost string
	// BleUseL2CAP asks BLE transports to prefer L2CAP over GATT.
	BleUseL2CAP bool
	// MaxMessageSize bounds the size of a received message. Zero means no bound for TCP
	// and the library default for WebSocket.
	MaxMessageSize int64
}

func (o Options) advertisedHost() string {
	if o.AdvertisedHost != "" {
		return o.AdvertisedHost
	}
	if o.Host != "" {
		return o.Host
	}
	return "localhost"
}

// Factory creates a transport for a connection method.
type Factory interface {
	Create(method engagement.ConnectionMethod, role Role, opts Options) (Transport, error)
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(method engagement.ConnectionMethod, role Role, opts Options) (Transport, error)

func (f FactoryFunc) Create(method engagement.ConnectionMethod, role Role, opts Options) (Transport, error) {
	return f(method, role, opts)
}

// DefaultFactory serves the socket based methods. BLE and NFC need a platform factory.
var DefaultFactory Factory = FactoryFunc(func(method engagement.ConnectionMethod, role Role, opts Options) (Transport, error) {
	switch m := method.(type) {
	case engagement.TCP:
		return NewTCP(m, role, opts), nil
	case engagement.WebSocket:
		return NewWebSocket(m, role, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
})

// Dial connects to a holder as reader using the first method DefaultFactory supports.
func Dial(ctx context.Context, methods []engagement.ConnectionMethod, opts Options) (Transport, error) {
	var errs []error
	for _, method := range methods {
		t, err := DefaultFactory.Create(method, RoleMdocReader, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.Open(ctx, nil); err != nil {
			_ = t.Close()
			errs = append(errs, err)
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoTransportAvailable, errors.Join(errs...))
}
