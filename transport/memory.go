package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/kokukuma/mdoc-holder/engagement"
)

const memoryQueueSize = 16

// MemoryTransport is an in-process transport. The holder end is created by a factory,
// the reader end by Connect. It stands in for radios in tests and simulations.
type MemoryTransport struct {
	lifecycle
	method engagement.ConnectionMethod
	role   Role

	// AdvertiseErr, when set, makes Advertise fail with it.
	AdvertiseErr error

	mu       sync.Mutex
	peer     *MemoryTransport
	inbox    chan []byte
	incoming chan *MemoryTransport
	failures chan error
}

var _ Transport = (*MemoryTransport)(nil)

func NewMemory(method engagement.ConnectionMethod, role Role) *MemoryTransport {
	t := &MemoryTransport{
		method:   method,
		role:     role,
		inbox:    make(chan []byte, memoryQueueSize),
		incoming: make(chan *MemoryTransport, 1),
		failures: make(chan error, 1),
	}
	t.init()
	return t
}

func (t *MemoryTransport) ConnectionMethod() engagement.ConnectionMethod {
	return t.method
}

func (t *MemoryTransport) Role() Role {
	return t.role
}

func (t *MemoryTransport) Advertise(_ context.Context) error {
	if t.AdvertiseErr != nil {
		t.fail()
		return t.AdvertiseErr
	}
	if !t.advance(StateIdle, StateAdvertising) {
		if t.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("%w: state %s", ErrNotConnected, t.State())
	}
	return nil
}

func (t *MemoryTransport) Open(ctx context.Context, _ *ecdh.PublicKey) error {
	if t.State() == StateIdle {
		if err := t.Advertise(ctx); err != nil {
			return err
		}
	}
	select {
	case peer := <-t.incoming:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.isClosed() || !t.advance(StateAdvertising, StateConnected) {
			_ = peer.Close()
			return ErrClosed
		}
		t.peer = peer
		return nil
	case err := <-t.failures:
		t.fail()
		return err
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		t.fail()
		return ctx.Err()
	}
}

// Connect simulates a reader connecting and returns the reader's end.
func (t *MemoryTransport) Connect() (*MemoryTransport, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if t.State() == StateConnected {
		return nil, errors.New("reader already connected")
	}
	reader := NewMemory(t.method, RoleMdocReader)
	reader.state.Store(int32(StateConnected))
	reader.peer = t
	select {
	case t.incoming <- reader:
		return reader, nil
	default:
		return nil, errors.New("reader already connected")
	}
}

// Fail makes a pending Open return err.
func (t *MemoryTransport) Fail(err error) {
	select {
	case t.failures <- err:
	default:
	}
}

// Releases reports how often the transport released its resources. Close is
// idempotent, so it never exceeds one.
func (t *MemoryTransport) Releases() int {
	return int(t.releases.Load())
}

func (t *MemoryTransport) connectedPeer() (*MemoryTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return nil, ErrClosed
	}
	if t.peer == nil {
		return nil, ErrNotConnected
	}
	return t.peer, nil
}

func (t *MemoryTransport) Send(ctx context.Context, message []byte) error {
	peer, err := t.connectedPeer()
	if err != nil {
		return err
	}
	select {
	case peer.inbox <- append([]byte(nil), message...):
		return nil
	case <-peer.closed:
		return ErrClosed
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Receive(ctx context.Context) ([]byte, error) {
	peer, err := t.connectedPeer()
	if err != nil {
		return nil, err
	}
	// Messages sent before the peer closed are still delivered.
	select {
	case message := <-t.inbox:
		return message, nil
	default:
	}
	select {
	case message := <-t.inbox:
		return message, nil
	case <-peer.closed:
		select {
		case message := <-t.inbox:
			return message, nil
		default:
			return nil, ErrClosed
		}
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Close() error {
	return t.close(nil)
}

// MemoryFactory creates memory transports for any connection method and remembers them.
type MemoryFactory struct {
	// Configure, when set, is applied to every transport before it's handed out.
	Configure func(*MemoryTransport)

	mu         sync.Mutex
	transports []*MemoryTransport
	created    chan *MemoryTransport
}

var _ Factory = (*MemoryFactory)(nil)

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{created: make(chan *MemoryTransport, 64)}
}

func (f *MemoryFactory) Create(method engagement.ConnectionMethod, role Role, _ Options) (Transport, error) {
	t := NewMemory(method, role)
	if f.Configure != nil {
		f.Configure(t)
	}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	select {
	case f.created <- t:
	default:
	}
	return t, nil
}

// Transports returns every transport created so far, in creation order.
func (f *MemoryFactory) Transports() []*MemoryTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MemoryTransport(nil), f.transports...)
}

// Created delivers transports as they are created.
func (f *MemoryFactory) Created() <-chan *MemoryTransport {
	return f.created
}
