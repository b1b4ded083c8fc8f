// Package presentment drives an mdoc proximity presentment: it shows the engagement,
// races the advertised transports, and walks the reader's request through document
// selection and user consent to an encrypted response.
package presentment

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/log"
	enc "github.com/kokukuma/mdoc-holder/session_encryption"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/sirupsen/logrus"
)

// Handover describes how the engagement reached the reader. Nil encodes as null,
// which is the handover of QR engagement.
type Handover = cbor.RawMessage

// Mechanism is the connected transport and the engagement it was reached by.
type Mechanism struct {
	Transport       transport.Transport
	EphemeralKey    *ecdh.PrivateKey
	EngagementBytes []byte
	Handover        Handover
}

// Config wires a Session.
type Config struct {
	// Version is the engagement version. Defaults to engagement.Version10.
	Version           string
	ConnectionMethods []engagement.ConnectionMethod
	// TransportFactory defaults to transport.DefaultFactory.
	TransportFactory transport.Factory
	TransportOptions transport.Options
	// Display is optional.
	Display Display
	Source  Source
	// Metrics is optional.
	Metrics *Metrics
	// EngagementTimeout bounds the time spent in CONNECTING. Zero means no bound.
	EngagementTimeout time.Duration
}

// Session is a presentment session. All state is guarded by one mutex; every attempt
// started by Start gets a new generation, and goroutines of older generations give up
// as soon as they notice.
type Session struct {
	cfg    Config
	logger *logrus.Entry

	mu         sync.Mutex
	state      State
	err        error
	generation uint64
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	key        *ecdh.PrivateKey
	engagement []byte
	displayed  bool
	set        *transport.Set
	transport  transport.Transport
	crypto     *enc.Session
	candidates []Candidate
	selection  chan int
	consent    chan bool

	observers observers
	wg        sync.WaitGroup
}

func NewSession(cfg Config) *Session {
	if cfg.Version == "" {
		cfg.Version = engagement.Version10
	}
	if cfg.TransportFactory == nil {
		cfg.TransportFactory = transport.DefaultFactory
	}
	return &Session{
		cfg:    cfg,
		logger: log.Module("presentment"),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error the last attempt failed with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Engagement returns the engagement of the current attempt, nil when there is none.
func (s *Session) Engagement() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.engagement...)
}

// EphemeralKey returns the public key of the current attempt, nil when there is none.
func (s *Session) EphemeralKey() *ecdh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	return s.key.PublicKey()
}

// Candidates returns the documents the user can choose from.
func (s *Session) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.candidates...)
}

// Subscribe returns a channel delivering every state change in order. The channel is
// closed by the returned cancel function or by Close.
func (s *Session) Subscribe() (<-chan StateChange, func()) {
	sub := s.observers.add()
	return sub.out, func() { s.observers.remove(sub) }
}

// Start begins a new attempt: it discards whatever the previous attempt left, creates
// a fresh ephemeral key and moves to CONNECTING. Advertising and waiting for the
// reader happen in the background.
func (s *Session) Start() error {
	if s.cfg.Source == nil {
		return errors.New("presentment source is required")
	}
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	release := s.resetLocked(nil)
	gen := s.generation
	// The attempt's context must outlive the caller's, only resetLocked cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.key = key
	s.selection = make(chan int, 1)
	s.consent = make(chan bool, 1)
	s.transitionLocked(StateConnecting, nil)
	s.wg.Add(1)
	go s.engage(ctx, gen, key)
	s.mu.Unlock()

	release()
	s.cfg.Metrics.sessionStarted()
	return nil
}

// SetMechanism hands a connected transport to the session. It is only legal in
// CONNECTING and stops every other candidate of the attempt.
func (s *Session) SetMechanism(m Mechanism) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.setMechanism(gen, m)
}

func (s *Session) setMechanism(gen uint64, m Mechanism) error {
	if m.Transport == nil || m.EphemeralKey == nil || len(m.EngagementBytes) == 0 {
		return errors.New("mechanism requires a transport, an ephemeral key and the engagement")
	}

	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: set mechanism in %s", ErrIllegalTransition, state)
	}
	set := s.set
	s.set = nil
	s.transport = m.Transport
	s.key = m.EphemeralKey
	s.engagement = m.EngagementBytes
	s.transitionLocked(StateWaitingForSource, nil)
	ctx, selection, consent := s.ctx, s.selection, s.consent
	s.wg.Add(1)
	go s.interact(ctx, gen, m, selection, consent)
	s.mu.Unlock()

	if set != nil {
		set.Close()
	}
	s.cfg.Metrics.transportConnected(m.Transport.ConnectionMethod().Type())
	return nil
}

// SelectDocument picks one of the candidates in WAITING_FOR_DOCUMENT_SELECTION.
func (s *Session) SelectDocument(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitingForDocumentSelection {
		return fmt.Errorf("%w: select document in %s", ErrIllegalTransition, s.state)
	}
	if index < 0 || index >= len(s.candidates) {
		return fmt.Errorf("%w: document index %d of %d", ErrInvalidSelection, index, len(s.candidates))
	}
	select {
	case s.selection <- index:
	default:
		return fmt.Errorf("%w: document already selected", ErrIllegalTransition)
	}
	s.transitionLocked(StateWaitingForConsent, nil)
	return nil
}

// Consent approves or declines releasing the selected document. Approving moves to
// PROCESSING right away, declining returns to IDLE once the reader was told.
func (s *Session) Consent(approve bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitingForConsent {
		return fmt.Errorf("%w: consent in %s", ErrIllegalTransition, s.state)
	}
	select {
	case s.consent <- approve:
	default:
		return fmt.Errorf("%w: consent already given", ErrIllegalTransition)
	}
	// The decision is final even while a decline is still being reported.
	s.consent = nil
	if approve {
		s.transitionLocked(StateProcessing, nil)
	}
	return nil
}

// Reset ends the current attempt and returns to IDLE. It is idempotent and may be
// called from any goroutine, in any state.
func (s *Session) Reset() {
	s.mu.Lock()
	release := s.resetLocked(nil)
	s.mu.Unlock()
	release()
}

// Cancel is Reset, counted as a cancelled session when an attempt was in progress.
func (s *Session) Cancel() {
	s.mu.Lock()
	active := s.state != StateIdle && s.state != StateCompleted
	release := s.resetLocked(nil)
	s.mu.Unlock()
	release()
	if active {
		s.cfg.Metrics.sessionFinished(outcomeCancelled)
	}
}

// Close resets the session, waits for its goroutines and closes all subscriptions.
// Start fails afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	release := s.resetLocked(nil)
	s.mu.Unlock()
	release()
	s.wg.Wait()
	s.observers.closeAll()
}

// transitionLocked moves to state and notifies subscribers. Illegal transitions are
// refused.
func (s *Session) transitionLocked(state State, err error) bool {
	previous := s.state
	if !CanTransition(previous, state) {
		s.logger.WithField(log.FieldState, previous).Errorf("Refusing transition to %s", state)
		return false
	}
	s.state = state
	s.err = err
	if previous == StateConnecting && s.displayed {
		s.displayed = false
		if s.cfg.Display != nil {
			s.cfg.Display.Clear()
		}
	}

	entry := s.logger.WithField(log.FieldState, state).WithField(log.FieldAttempt, s.generation)
	if err != nil {
		entry.WithError(err).Infof("Session state changed from %s", previous)
	} else {
		entry.Debugf("Session state changed from %s", previous)
	}
	s.observers.publish(StateChange{Previous: previous, State: state, Err: err})
	return true
}

// resetLocked invalidates the current attempt and returns to IDLE. It returns the
// function that releases the attempt's resources, to be called without the lock held.
func (s *Session) resetLocked(cause error) func() {
	s.generation++
	cancel, set, tr, crypto := s.cancel, s.set, s.transport, s.crypto
	s.ctx, s.cancel, s.set, s.transport, s.crypto = nil, nil, nil, nil, nil
	s.key = nil
	s.engagement = nil
	s.candidates = nil
	s.selection, s.consent = nil, nil
	if s.state != StateIdle {
		s.transitionLocked(StateIdle, cause)
	}

	return func() {
		if cancel != nil {
			cancel()
		}
		if set != nil {
			set.Close()
		}
		if tr != nil {
			_ = tr.Close()
		}
		if crypto != nil {
			crypto.Destroy()
		}
	}
}

// fail returns to IDLE with err if gen is still the current attempt.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	release := s.resetLocked(err)
	s.mu.Unlock()
	release()

	if err == nil {
		s.cfg.Metrics.sessionFinished(outcomeDeclined)
	} else {
		s.cfg.Metrics.sessionFinished(outcomeFailed)
	}
}

// engage advertises the configured methods, shows the engagement and waits for the
// first reader to connect.
func (s *Session) engage(ctx context.Context, gen uint64, key *ecdh.PrivateKey) {
	defer s.wg.Done()

	set, err := transport.Advertise(ctx, transport.RoleMdoc, s.cfg.ConnectionMethods, s.cfg.TransportFactory, s.cfg.TransportOptions)
	if err != nil {
		s.failConnecting(gen, err)
		return
	}
	engagementBytes, err := engagement.Generate(key.PublicKey(), s.cfg.Version, set.ConnectionMethods())
	if err != nil {
		set.Close()
		s.failConnecting(gen, fmt.Errorf("failed to generate engagement: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		set.Close()
		return
	}
	s.set = set
	s.engagement = engagementBytes
	if s.cfg.Display != nil {
		s.cfg.Display.Show(engagementBytes)
		s.displayed = true
	}
	s.mu.Unlock()

	waitCtx := ctx
	if s.cfg.EngagementTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.EngagementTimeout)
		defer cancel()
	}
	winner, err := set.WaitForConnection(waitCtx, key.PublicKey())
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrEngagementTimeout, err)
		}
		s.failConnecting(gen, err)
		return
	}

	err = s.setMechanism(gen, Mechanism{
		Transport:       winner,
		EphemeralKey:    key,
		EngagementBytes: engagementBytes,
	})
	if err != nil {
		// The attempt ended while the reader connected.
		_ = winner.Close()
	}
}

// failConnecting fails the attempt unless it already left CONNECTING, e.g. because a
// mechanism was set from outside.
func (s *Session) failConnecting(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(gen, err)
}

// interact serves the reader: one request, answered after the user's consent.
func (s *Session) interact(ctx context.Context, gen uint64, m Mechanism, selection <-chan int, consent <-chan bool) {
	defer s.wg.Done()
	tr := m.Transport

	message, err := tr.Receive(ctx)
	if errors.Is(err, transport.ErrMalformedMessage) {
		s.sendStatus(ctx, tr, enc.StatusDecodingError)
		s.fail(gen, fmt.Errorf("%w: %w", ErrMalformedRequest, err))
		return
	}
	if err != nil {
		s.fail(gen, fmt.Errorf("failed to receive reader request: %w", err))
		return
	}
	request, crypto, status, err := s.openRequest(gen, m, message)
	if err != nil {
		if status != 0 {
			s.sendStatus(ctx, tr, status)
		}
		s.fail(gen, err)
		return
	}

	candidates, err := s.cfg.Source.ResolveDocuments(ctx, request)
	if err == nil && len(candidates) == 0 {
		err = ErrDocumentUnavailable
	}
	if err != nil {
		if errors.Is(err, ErrMalformedRequest) {
			s.sendStatus(ctx, tr, enc.StatusDecodingError)
		} else {
			s.sendStatus(ctx, tr, enc.StatusSessionTermination)
		}
		s.fail(gen, fmt.Errorf("failed to resolve documents: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.candidates = candidates
	if len(candidates) == 1 {
		s.transitionLocked(StateWaitingForConsent, nil)
	} else {
		s.transitionLocked(StateWaitingForDocumentSelection, nil)
	}
	s.mu.Unlock()

	chosen := 0
	if len(candidates) > 1 {
		select {
		case chosen = <-selection:
		case <-ctx.Done():
			return
		}
	}

	var approved bool
	select {
	case approved = <-consent:
	case <-ctx.Done():
		return
	}
	if !approved {
		s.decline(ctx, gen, tr)
		return
	}

	response, err := s.cfg.Source.ApplyConsent(ctx, Selection{Request: request, Candidate: candidates[chosen]})
	if errors.Is(err, ErrConsentDenied) {
		s.decline(ctx, gen, tr)
		return
	}
	if err != nil {
		s.sendStatus(ctx, tr, enc.StatusSessionTermination)
		s.fail(gen, fmt.Errorf("failed to apply consent: %w", err))
		return
	}

	ciphertext, err := crypto.Encrypt(response)
	if err != nil {
		s.fail(gen, fmt.Errorf("failed to encrypt response: %w", err))
		return
	}
	sessionData, err := enc.EncodeSessionData(ciphertext, enc.StatusOf(enc.StatusSessionTermination))
	if err != nil {
		s.fail(gen, err)
		return
	}
	if err := tr.Send(ctx, sessionData); err != nil {
		s.fail(gen, fmt.Errorf("failed to send response: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.transport, s.crypto = nil, nil
	s.transitionLocked(StateCompleted, nil)
	s.mu.Unlock()

	// A single request per session: the reader has its response and the termination status.
	_ = tr.Close()
	crypto.Destroy()
	s.cfg.Metrics.sessionFinished(outcomeCompleted)
}

// openRequest decodes the SessionEstablishment and decrypts the DeviceRequest. On
// failure it returns the status to report to the reader.
func (s *Session) openRequest(gen uint64, m Mechanism, message []byte) (*Request, *enc.Session, uint, error) {
	establishment, err := enc.DecodeSessionEstablishment(message)
	if err != nil {
		return nil, nil, enc.StatusDecodingError, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	readerKeyBytes, err := establishment.EReaderKeyBytes()
	if err != nil {
		return nil, nil, enc.StatusDecodingError, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	readerKey, err := engagement.DecodeCOSEKey(readerKeyBytes)
	if err != nil {
		return nil, nil, enc.StatusDecodingError, fmt.Errorf("%w: reader key: %w", ErrMalformedRequest, err)
	}
	transcript, err := enc.SessionTranscript(m.EngagementBytes, readerKeyBytes, m.Handover)
	if err != nil {
		return nil, nil, enc.StatusEncryptionError, err
	}
	crypto, err := enc.NewMdocSession(m.EphemeralKey, readerKey, transcript)
	if err != nil {
		return nil, nil, enc.StatusEncryptionError, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		crypto.Destroy()
		return nil, nil, 0, transport.ErrClosed
	}
	s.crypto = crypto
	s.mu.Unlock()

	deviceRequest, err := crypto.Decrypt(establishment.Data)
	if err != nil {
		return nil, nil, enc.StatusEncryptionError, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return &Request{DeviceRequest: deviceRequest, SessionTranscript: transcript}, crypto, 0, nil
}

func (s *Session) decline(ctx context.Context, gen uint64, tr transport.Transport) {
	s.sendStatus(ctx, tr, enc.StatusSessionTermination)
	s.fail(gen, nil)
}

// sendStatus tells the reader how the session ends. Failing to do so doesn't change the outcome.
func (s *Session) sendStatus(ctx context.Context, tr transport.Transport, status uint) {
	message, err := enc.EncodeSessionData(nil, enc.StatusOf(status))
	if err == nil {
		err = tr.Send(ctx, message)
	}
	if err != nil {
		s.logger.WithError(err).Debugf("Failed to send status %d", status)
	}
}
