package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	t.Run("Do serialises requests", func(t *testing.T) {
		ch, _, _ := newTestChannel()

		var inFlight, maxInFlight atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ch.Do(context.Background(), "op", func(Chan) error {
					n := inFlight.Add(1)
					for {
						old := maxInFlight.Load()
						if n <= old || maxInFlight.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inFlight.Add(-1)
					return nil
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInFlight.Load())
	})

	t.Run("Do refuses a cancelled context", func(t *testing.T) {
		ch, _, _ := newTestChannel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := ch.Do(ctx, "op", func(Chan) error { called = true; return nil })

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("a channel exception closes the channel and sticks", func(t *testing.T) {
		ch, mc, _ := newTestChannel()
		precondition := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}

		err := ch.Do(context.Background(), "exchange.declare", func(Chan) error {
			mc.failWith(precondition)
			return precondition
		})

		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "exchange.declare", chErr.Op)
		assert.True(t, IsPreconditionFailed(err))
		assert.True(t, ch.IsClosed())

		err = ch.Do(context.Background(), "queue.declare", func(Chan) error {
			t.Fatal("closed channel must not run requests")
			return nil
		})
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.True(t, IsPreconditionFailed(ch.Err()))
	})

	t.Run("plain errors pass through unchanged", func(t *testing.T) {
		ch, _, _ := newTestChannel()
		boom := errors.New("boom")

		err := ch.Do(context.Background(), "op", func(Chan) error { return boom })

		assert.Equal(t, boom, err)
		assert.False(t, ch.IsClosed())
	})

	t.Run("Done closes when the broker closes the channel", func(t *testing.T) {
		ch, mc, _ := newTestChannel()

		mc.failWith(&amqp.Error{Code: amqp.NotFound, Reason: "no queue"})

		select {
		case <-ch.Done():
		case <-time.After(time.Second):
			t.Fatal("channel not marked closed")
		}
		assert.True(t, IsNotFound(ch.Err()))
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		ch, mc, _ := newTestChannel()

		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())
		assert.True(t, mc.IsClosed())
		assert.ErrorIs(t, ch.Err(), ErrChannelClosed)
	})

	t.Run("Probe uses a separate channel", func(t *testing.T) {
		ch, mc, conn := newTestChannel()
		probe := &mockChannel{}
		conn.On("Channel").Return(probe, nil).Once()

		var used Chan
		err := ch.Probe(context.Background(), func(c Chan) error {
			used = c
			return nil
		})

		require.NoError(t, err)
		assert.Same(t, probe, used)
		assert.True(t, probe.IsClosed())
		assert.False(t, mc.IsClosed())
	})

	t.Run("consumer tags are unique per channel", func(t *testing.T) {
		ch, _, _ := newTestChannel()

		require.NoError(t, ch.reserveTag("my_consumer"))
		assert.ErrorIs(t, ch.reserveTag("my_consumer"), ErrDuplicateConsumerTag)

		ch.releaseTag("my_consumer")
		assert.NoError(t, ch.reserveTag("my_consumer"))
	})
}
