package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func bleMethods(n int) []engagement.ConnectionMethod {
	methods := make([]engagement.ConnectionMethod, n)
	for i := range methods {
		methods[i] = engagement.BLE{SupportsCentralClientMode: true, CentralClientModeUUID: uuid.New()}
	}
	return methods
}

func TestAdvertise(t *testing.T) {
	t.Run("returns methods of all candidates in order", func(t *testing.T) {
		factory := NewMemoryFactory()
		methods := bleMethods(3)

		set, err := Advertise(context.Background(), RoleMdoc, methods, factory, Options{})
		require.NoError(t, err)
		defer set.Close()

		assert.Equal(t, methods, set.ConnectionMethods())
		for _, tr := range factory.Transports() {
			assert.Equal(t, StateAdvertising, tr.State())
		}
	})
	t.Run("drops candidates that fail to advertise", func(t *testing.T) {
		factory := NewMemoryFactory()
		methods := bleMethods(2)
		created := 0
		factory.Configure = func(tr *MemoryTransport) {
			if created == 0 {
				tr.AdvertiseErr = errors.New("radio off")
			}
			created++
		}

		set, err := Advertise(context.Background(), RoleMdoc, methods, factory, Options{})
		require.NoError(t, err)
		defer set.Close()

		assert.Equal(t, methods[1:], set.ConnectionMethods())
		assert.Equal(t, StateClosed, factory.Transports()[0].State())
	})
	t.Run("fails when every candidate fails", func(t *testing.T) {
		factory := NewMemoryFactory()
		factory.Configure = func(tr *MemoryTransport) {
			tr.AdvertiseErr = errors.New("radio off")
		}

		_, err := Advertise(context.Background(), RoleMdoc, bleMethods(2), factory, Options{})
		assert.ErrorIs(t, err, ErrTransportSetupFailed)
	})
	t.Run("permission denied aborts the whole set", func(t *testing.T) {
		factory := NewMemoryFactory()
		methods := bleMethods(3)
		created := 0
		factory.Configure = func(tr *MemoryTransport) {
			if created == 1 {
				tr.AdvertiseErr = fmt.Errorf("bluetooth: %w", ErrPermissionDenied)
			}
			created++
		}

		_, err := Advertise(context.Background(), RoleMdoc, methods, factory, Options{})
		assert.ErrorIs(t, err, ErrTransportSetupFailed)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		for _, tr := range factory.Transports() {
			assert.Equal(t, StateClosed, tr.State())
		}
	})
	t.Run("unsupported methods are skipped", func(t *testing.T) {
		methods := []engagement.ConnectionMethod{engagement.NFC{MaxCommandDataLength: 255, MaxResponseDataLength: 256}}
		_, err := Advertise(context.Background(), RoleMdoc, methods, DefaultFactory, Options{})
		assert.ErrorIs(t, err, ErrTransportSetupFailed)
		assert.ErrorIs(t, err, ErrUnsupportedMethod)
	})
	t.Run("no methods", func(t *testing.T) {
		_, err := Advertise(context.Background(), RoleMdoc, nil, NewMemoryFactory(), Options{})
		assert.ErrorIs(t, err, ErrTransportSetupFailed)
	})
}

func TestSet_WaitForConnection(t *testing.T) {
	t.Run("first candidate to connect wins", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		factory := NewMemoryFactory()
		set, err := Advertise(context.Background(), RoleMdoc, bleMethods(2), factory, Options{})
		require.NoError(t, err)
		defer set.Close()
		a, b := factory.Transports()[0], factory.Transports()[1]

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			_, _ = b.Connect()
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			_, _ = a.Connect()
		}()

		winner, err := set.WaitForConnection(context.Background(), nil)
		require.NoError(t, err)
		wg.Wait()

		assert.Same(t, b, winner)
		assert.Equal(t, StateConnected, b.State())
		assert.Equal(t, StateClosed, a.State())
		assert.Equal(t, 1, a.Releases())

		set.Close()
		assert.Equal(t, StateConnected, b.State(), "closing the set must not close the winner")
		require.NoError(t, b.Close())
	})
	t.Run("exactly one winner when all connect at once", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		for round := 0; round < 50; round++ {
			factory := NewMemoryFactory()
			set, err := Advertise(context.Background(), RoleMdoc, bleMethods(8), factory, Options{})
			require.NoError(t, err)

			start := make(chan struct{})
			var wg sync.WaitGroup
			for _, tr := range factory.Transports() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, _ = tr.Connect()
				}()
			}
			close(start)

			winner, err := set.WaitForConnection(context.Background(), nil)
			require.NoError(t, err)
			wg.Wait()
			set.Close()

			connected := 0
			for _, tr := range factory.Transports() {
				switch tr.State() {
				case StateConnected:
					connected++
					assert.Same(t, tr, winner)
				case StateClosed:
					assert.Equal(t, 1, tr.Releases())
				default:
					t.Fatalf("unexpected state %s", tr.State())
				}
			}
			assert.Equal(t, 1, connected)
			_ = winner.Close()
		}
	})
	t.Run("a failing candidate doesn't abort the others", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		factory := NewMemoryFactory()
		set, err := Advertise(context.Background(), RoleMdoc, bleMethods(2), factory, Options{})
		require.NoError(t, err)
		defer set.Close()
		a, b := factory.Transports()[0], factory.Transports()[1]

		a.Fail(errors.New("link lost"))
		go func() {
			time.Sleep(5 * time.Millisecond)
			_, _ = b.Connect()
		}()

		winner, err := set.WaitForConnection(context.Background(), nil)
		require.NoError(t, err)
		assert.Same(t, b, winner)
		assert.Equal(t, StateClosed, a.State())
		_ = winner.Close()
	})
	t.Run("all candidates fail", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		factory := NewMemoryFactory()
		set, err := Advertise(context.Background(), RoleMdoc, bleMethods(2), factory, Options{})
		require.NoError(t, err)
		defer set.Close()
		for _, tr := range factory.Transports() {
			tr.Fail(errors.New("link lost"))
		}

		_, err = set.WaitForConnection(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoTransportAvailable)
		for _, tr := range factory.Transports() {
			assert.Equal(t, StateClosed, tr.State())
		}
	})
	t.Run("cancelled context", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		factory := NewMemoryFactory()
		set, err := Advertise(context.Background(), RoleMdoc, bleMethods(3), factory, Options{})
		require.NoError(t, err)
		defer set.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = set.WaitForConnection(ctx, nil)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		for _, tr := range factory.Transports() {
			assert.Equal(t, StateClosed, tr.State())
			assert.Equal(t, 1, tr.Releases())
		}
	})
	t.Run("closing the set cancels waiting", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		factory := NewMemoryFactory()
		set, err := Advertise(context.Background(), RoleMdoc, bleMethods(2), factory, Options{})
		require.NoError(t, err)

		go func() {
			time.Sleep(5 * time.Millisecond)
			set.Close()
		}()
		_, err = set.WaitForConnection(context.Background(), nil)
		assert.ErrorIs(t, err, ErrCancelled)
		for _, tr := range factory.Transports() {
			assert.Equal(t, StateClosed, tr.State())
			_, err := tr.Connect()
			assert.ErrorIs(t, err, ErrClosed)
		}

		_, err = set.WaitForConnection(context.Background(), nil)
		assert.ErrorIs(t, err, ErrCancelled)
	})
}

func TestMemoryTransport(t *testing.T) {
	holder := NewMemory(engagement.BLE{SupportsCentralClientMode: true}, RoleMdoc)
	require.NoError(t, holder.Advertise(context.Background()))
	reader, err := holder.Connect()
	require.NoError(t, err)
	require.NoError(t, holder.Open(context.Background(), nil))

	ctx := context.Background()
	require.NoError(t, reader.Send(ctx, []byte{1}))
	message, err := holder.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, message)

	t.Run("messages sent before close are delivered", func(t *testing.T) {
		require.NoError(t, holder.Send(ctx, []byte{2}))
		require.NoError(t, holder.Close())

		message, err := reader.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{2}, message)

		_, err = reader.Receive(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
	t.Run("close is idempotent", func(t *testing.T) {
		require.NoError(t, holder.Close())
		require.NoError(t, holder.Close())
		assert.Equal(t, 1, holder.Releases())
		_, err := holder.Receive(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}
