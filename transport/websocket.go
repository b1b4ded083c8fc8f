package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const webSocketPathPrefix = "/mdoc/"

// WebSocketTransport carries each message as one binary WebSocket message. As mdoc
// it serves a single upgrade on an unguessable path, as mdoc reader it dials the
// advertised URL.
type WebSocketTransport struct {
	lifecycle
	role Role
	opts Options

	mu        sync.Mutex
	method    engagement.WebSocket
	server    *http.Server
	serveDone chan struct{}
	conn      *websocket.Conn

	accepted chan *websocket.Conn
	claimed  atomic.Bool
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocket(method engagement.WebSocket, role Role, opts Options) *WebSocketTransport {
	t := &WebSocketTransport{
		role:     role,
		opts:     opts,
		method:   method,
		accepted: make(chan *websocket.Conn, 1),
	}
	t.init()
	return t
}

func (t *WebSocketTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

func (t *WebSocketTransport) Role() Role {
	return t.role
}

func (t *WebSocketTransport) logger() *logrus.Entry {
	return log.Module("transport").
		WithField(log.FieldMethod, engagement.MethodTypeWebSocket).
		WithField(log.FieldRole, t.role)
}

func (t *WebSocketTransport) Advertise(ctx context.Context) error {
	if t.role != RoleMdoc {
		return nil
	}
	if !t.advance(StateIdle, StateAdvertising) {
		return t.stateError()
	}

	port := "0"
	if t.method.URL != "" {
		if u, err := url.Parse(t.method.URL); err == nil && u.Port() != "" {
			port = u.Port()
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(t.opts.Host, port))
	if err != nil {
		t.fail()
		return fmt.Errorf("%w: failed to listen: %w", ErrTransportSetupFailed, err)
	}

	path := webSocketPathPrefix + uuid.NewString()
	router := http.NewServeMux()
	router.HandleFunc(path, t.handleUpgrade)
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = listener.Close()
		return ErrClosed
	}
	t.server = server
	t.serveDone = make(chan struct{})
	boundPort := listener.Addr().(*net.TCPAddr).Port
	t.method = engagement.WebSocket{
		URL: "ws://" + net.JoinHostPort(t.opts.advertisedHost(), strconv.Itoa(boundPort)) + path,
	}
	done := t.serveDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger().WithError(err).Warn("WebSocket server stopped")
		}
	}()

	t.logger().Debugf("Serving %s", t.method.URL)
	return nil
}

// handleUpgrade hands the first upgraded connection to Open. The connection stays
// owned by the transport, so the handler only returns once the transport is closed.
func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.claimed.CompareAndSwap(false, true) {
		http.Error(w, "reader already connected", http.StatusConflict)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger().WithError(err).Warn("Failed to accept WebSocket upgrade")
		t.claimed.Store(false)
		return
	}
	if t.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(t.opts.MaxMessageSize)
	}
	t.accepted <- conn
	<-t.closed
	select {
	case pending := <-t.accepted:
		_ = pending.Close(websocket.StatusGoingAway, "transport closed")
	default:
	}
}

func (t *WebSocketTransport) Open(ctx context.Context, _ *ecdh.PublicKey) error {
	if t.role == RoleMdocReader {
		return t.dial(ctx)
	}
	if t.State() == StateIdle {
		if err := t.Advertise(ctx); err != nil {
			return err
		}
	}
	if t.State() != StateAdvertising {
		return t.stateError()
	}

	select {
	case conn := <-t.accepted:
		return t.connected(conn)
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		t.fail()
		return ctx.Err()
	}
}

func (t *WebSocketTransport) dial(ctx context.Context) error {
	if !t.advance(StateIdle, StateAdvertising) {
		return t.stateError()
	}
	conn, resp, err := websocket.Dial(ctx, t.method.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if t.isClosed() {
			return ErrClosed
		}
		t.fail()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to dial %s: %w", t.method.URL, err)
	}
	if t.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(t.opts.MaxMessageSize)
	}
	return t.connected(conn)
}

func (t *WebSocketTransport) connected(conn *websocket.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() || !t.advance(StateAdvertising, StateConnected) {
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
		return ErrClosed
	}
	t.conn = conn
	t.logger().Debug("Connected")
	return nil
}

func (t *WebSocketTransport) stateError() error {
	if t.isClosed() {
		return ErrClosed
	}
	return fmt.Errorf("%w: state %s", ErrNotConnected, t.State())
}

func (t *WebSocketTransport) connection() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return nil, ErrClosed
	}
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, message []byte) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, message); err != nil {
		return t.ioError(ctx, "write", err)
	}
	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	typ, message, err := conn.Read(ctx)
	if err != nil {
		return nil, t.ioError(ctx, "read", err)
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: websocket message type %v", ErrMalformedMessage, typ)
	}
	return message, nil
}

func (t *WebSocketTransport) ioError(ctx context.Context, op string, err error) error {
	switch {
	case t.isClosed():
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		return ErrClosed
	default:
		return fmt.Errorf("failed to %s websocket message: %w", op, err)
	}
}

func (t *WebSocketTransport) Close() error {
	return t.close(func() error {
		t.mu.Lock()
		server, done, conn := t.server, t.serveDone, t.conn
		t.mu.Unlock()

		var errs []error
		if conn != nil {
			// The peer may have closed first, which makes the handshake fail.
			if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
				t.logger().WithError(err).Debug("WebSocket close handshake failed")
			}
		}
		// A connection upgraded but never picked up by Open.
		select {
		case pending := <-t.accepted:
			_ = pending.Close(websocket.StatusGoingAway, "transport closed")
		default:
		}
		if server != nil {
			errs = append(errs, server.Close())
			<-done
		}
		return errors.Join(errs...)
	})
}
