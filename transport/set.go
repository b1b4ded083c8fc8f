package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyWaiting is returned when WaitForConnection is called twice on the same set.
var ErrAlreadyWaiting = errors.New("already waiting for a connection")

// Set is a group of advertised candidate transports racing for the reader.
// All candidates share one cancellation scope: closing the set or a winner being
// picked ends every pending Open.
type Set struct {
	role       Role
	candidates []Transport
	methods    []engagement.ConnectionMethod

	scope  context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	winner    Transport
	handedOff bool
	waiting   bool
	closed    bool
}

// Advertise creates a transport per connection method and advertises all of them
// concurrently. A candidate failing to advertise is dropped unless it failed with
// ErrPermissionDenied, which aborts the whole set. The returned connection methods
// are the ones of the surviving candidates, in the order they were given.
func Advertise(ctx context.Context, role Role, methods []engagement.ConnectionMethod, factory Factory, opts Options) (*Set, error) {
	logger := log.Module("transport").WithField(log.FieldRole, role)
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no connection methods", ErrTransportSetupFailed)
	}

	var (
		created []Transport
		errs    []error
	)
	for _, method := range methods {
		t, err := factory.Create(method, role, opts)
		if err != nil {
			logger.WithError(err).Warnf("Skipping connection method %s", method)
			errs = append(errs, err)
			continue
		}
		created = append(created, t)
	}

	results := make([]error, len(created))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range created {
		g.Go(func() error {
			err := t.Advertise(gctx)
			if errors.Is(err, ErrPermissionDenied) {
				return fmt.Errorf("%s: %w", t.ConnectionMethod(), err)
			}
			results[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(created)
		return nil, fmt.Errorf("%w: %w", ErrTransportSetupFailed, err)
	}

	set := &Set{role: role}
	for i, t := range created {
		if results[i] != nil {
			logger.WithError(results[i]).Warnf("Dropping connection method %s", t.ConnectionMethod())
			errs = append(errs, results[i])
			_ = t.Close()
			continue
		}
		set.candidates = append(set.candidates, t)
		set.methods = append(set.methods, t.ConnectionMethod())
	}
	if len(set.candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrTransportSetupFailed, errors.Join(errs...))
	}
	set.scope, set.cancel = context.WithCancel(context.Background())
	return set, nil
}

// ConnectionMethods returns the methods to put in the engagement.
func (s *Set) ConnectionMethods() []engagement.ConnectionMethod {
	return append([]engagement.ConnectionMethod(nil), s.methods...)
}

// WaitForConnection opens all candidates concurrently and returns the first one that
// connects. Every other candidate is closed, and WaitForConnection only returns once
// all of them have stopped. It returns ErrCancelled when ctx is done or the set is
// closed first, and ErrNoTransportAvailable when every candidate failed.
func (s *Set) WaitForConnection(ctx context.Context, eSenderKey *ecdh.PublicKey) (Transport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrCancelled
	}
	if s.waiting {
		s.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	s.waiting = true
	s.mu.Unlock()

	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.scope, cancel)
	defer stop()

	errs := make([]error, len(s.candidates))
	var g errgroup.Group
	for i, t := range s.candidates {
		g.Go(func() error {
			if err := t.Open(openCtx, eSenderKey); err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.ConnectionMethod(), err)
				return nil
			}
			s.mu.Lock()
			won := s.winner == nil && !s.closed
			if won {
				s.winner = t
			}
			s.mu.Unlock()
			if !won {
				_ = t.Close()
				return nil
			}
			cancel()
			for _, other := range s.candidates {
				if other != t {
					_ = other.Close()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	winner, closed := s.winner, s.closed
	if winner != nil && !closed {
		s.handedOff = true
	}
	s.mu.Unlock()

	switch {
	case winner != nil && !closed:
		log.Module("transport").
			WithField(log.FieldRole, s.role).
			WithField(log.FieldMethod, winner.ConnectionMethod().Type()).
			Info("Transport connected")
		return winner, nil
	case winner != nil:
		_ = winner.Close()
		return nil, ErrCancelled
	case closed:
		closeAll(s.candidates)
		return nil, ErrCancelled
	case ctx.Err() != nil:
		closeAll(s.candidates)
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	default:
		closeAll(s.candidates)
		return nil, fmt.Errorf("%w: %w", ErrNoTransportAvailable, errors.Join(errs...))
	}
}

// Close cancels a pending WaitForConnection and closes every candidate except a
// winner already handed to the caller. It is idempotent.
func (s *Set) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var toClose []Transport
	for _, t := range s.candidates {
		if s.handedOff && t == s.winner {
			continue
		}
		toClose = append(toClose, t)
	}
	s.mu.Unlock()

	s.cancel()
	closeAll(toClose)
}

func closeAll(transports []Transport) {
	for _, t := range transports {
		_ = t.Close()
	}
}
