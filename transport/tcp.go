package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/sirupsen/logrus"
)

// aLongTimeAgo is a deadline in the past that unblocks pending socket calls.
var aLongTimeAgo = time.Unix(1, 0)

// TCPTransport carries messages over a plain TCP socket. Every message is a single
// CBOR data item, so no extra framing is needed: the receiver reads one item at a time.
// As mdoc it listens for one reader, as mdoc reader it dials the advertised endpoint.
type TCPTransport struct {
	lifecycle
	role Role
	opts Options

	mu       sync.Mutex
	method   engagement.TCP
	listener net.Listener
	conn     net.Conn
	limit    *messageLimit
	dec      *cbor.Decoder

	recvMu sync.Mutex
	sendMu sync.Mutex
}

var _ Transport = (*TCPTransport)(nil)

func NewTCP(method engagement.TCP, role Role, opts Options) *TCPTransport {
	t := &TCPTransport{
		role:   role,
		opts:   opts,
		method: method,
	}
	t.init()
	return t
}

func (t *TCPTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

func (t *TCPTransport) Role() Role {
	return t.role
}

func (t *TCPTransport) logger() *logrus.Entry {
	return log.Module("transport").
		WithField(log.FieldMethod, engagement.MethodTypeTCP).
		WithField(log.FieldRole, t.role)
}

func (t *TCPTransport) Advertise(ctx context.Context) error {
	if t.role != RoleMdoc {
		return nil
	}
	if !t.advance(StateIdle, StateAdvertising) {
		return t.stateError()
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(t.opts.Host, strconv.Itoa(t.method.Port)))
	if err != nil {
		t.fail()
		return fmt.Errorf("%w: failed to listen: %w", ErrTransportSetupFailed, err)
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = listener.Close()
		return ErrClosed
	}
	t.listener = listener
	t.method = engagement.TCP{
		Host: t.opts.advertisedHost(),
		Port: listener.Addr().(*net.TCPAddr).Port,
	}
	t.mu.Unlock()

	t.logger().Debugf("Listening on %s", listener.Addr())
	return nil
}

func (t *TCPTransport) Open(ctx context.Context, _ *ecdh.PublicKey) error {
	if t.role == RoleMdocReader {
		return t.dial(ctx)
	}
	if t.State() == StateIdle {
		if err := t.Advertise(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener == nil {
		return t.stateError()
	}

	// Accept has no context, closing the listener is what unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	conn, err := listener.Accept()
	stop()
	// Only one reader is served, later connection attempts are refused.
	_ = listener.Close()
	if err != nil {
		return t.openFailed(ctx, err)
	}
	return t.connected(conn)
}

func (t *TCPTransport) dial(ctx context.Context) error {
	if !t.advance(StateIdle, StateAdvertising) {
		return t.stateError()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.method.Host, strconv.Itoa(t.method.Port)))
	if err != nil {
		return t.openFailed(ctx, err)
	}
	return t.connected(conn)
}

func (t *TCPTransport) connected(conn net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() || !t.advance(StateAdvertising, StateConnected) {
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.limit = &messageLimit{r: conn, max: t.opts.MaxMessageSize}
	t.dec = cbor.NewDecoder(t.limit)
	t.logger().Debugf("Connected to %s", conn.RemoteAddr())
	return nil
}

func (t *TCPTransport) openFailed(ctx context.Context, err error) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.fail()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to open tcp transport: %w", err)
}

func (t *TCPTransport) stateError() error {
	if t.isClosed() {
		return ErrClosed
	}
	return fmt.Errorf("%w: state %s", ErrNotConnected, t.State())
}

func (t *TCPTransport) connection() (net.Conn, *cbor.Decoder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return nil, nil, ErrClosed
	}
	if t.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return t.conn, t.dec, nil
}

func (t *TCPTransport) Send(ctx context.Context, message []byte) error {
	conn, _, err := t.connection()
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(aLongTimeAgo) })
	defer func() {
		if !stop() {
			_ = conn.SetWriteDeadline(time.Time{})
		}
	}()
	if _, err := conn.Write(message); err != nil {
		return t.ioError(ctx, "write", err)
	}
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, dec, err := t.connection()
	if err != nil {
		return nil, err
	}
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(aLongTimeAgo) })
	defer func() {
		if !stop() {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}()
	t.limit.reset()
	var message cbor.RawMessage
	if err := dec.Decode(&message); err != nil {
		return nil, t.ioError(ctx, "read", err)
	}
	return message, nil
}

func (t *TCPTransport) ioError(ctx context.Context, op string, err error) error {
	switch {
	case t.isClosed():
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case op == "read" && isDecodeError(err):
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	default:
		return fmt.Errorf("failed to %s tcp message: %w", op, err)
	}
}

// isDecodeError tells CBOR errors from errors of the connection itself.
func isDecodeError(err error) bool {
	var netErr net.Error
	return !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.As(err, &netErr)
}

// messageLimit fails reads once a message used up its budget of max bytes. The budget
// counts what the decoder reads while decoding one message, including read-ahead.
type messageLimit struct {
	r         io.Reader
	max       int64
	remaining int64
}

func (l *messageLimit) reset() {
	l.remaining = l.max
}

func (l *messageLimit) Read(p []byte) (int, error) {
	if l.max <= 0 {
		return l.r.Read(p)
	}
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, l.max)
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (t *TCPTransport) Close() error {
	return t.close(func() error {
		t.mu.Lock()
		listener, conn := t.listener, t.conn
		t.mu.Unlock()

		var errs []error
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if conn != nil {
			errs = append(errs, conn.Close())
		}
		return errors.Join(errs...)
	})
}
