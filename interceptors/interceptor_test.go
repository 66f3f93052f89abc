package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

func recording(name string, calls *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error {
		*calls = append(*calls, name+":before")
		err := next(ctx, msg, d)
		*calls = append(*calls, name+":after")
		return err
	})
}

func TestChain(t *testing.T) {
	msg := contracts.NewMessage(1, "Task 1")
	ctx := context.Background()

	t.Run("Then runs interceptors in order around the handler", func(t *testing.T) {
		var calls []string
		chain := NewChain(recording("first", &calls)).Add(recording("second", &calls))
		assert.Equal(t, 2, chain.Len())

		handler := chain.Then(func(context.Context, contracts.Message, amqp.Delivery) error {
			calls = append(calls, "handler")
			return nil
		})
		require.NoError(t, handler(ctx, msg, amqp.Delivery{}))

		assert.Equal(t, []string{
			"first:before", "second:before", "handler", "second:after", "first:after",
		}, calls)
	})

	t.Run("Then with no interceptors returns the handler", func(t *testing.T) {
		called := false
		handler := NewChain().Then(func(context.Context, contracts.Message, amqp.Delivery) error {
			called = true
			return nil
		})
		require.NoError(t, handler(ctx, msg, amqp.Delivery{}))
		assert.True(t, called)
	})

	t.Run("handler errors propagate through the chain", func(t *testing.T) {
		boom := errors.New("boom")
		var calls []string
		handler := NewChain(recording("outer", &calls)).Then(func(context.Context, contracts.Message, amqp.Delivery) error {
			return boom
		})
		assert.ErrorIs(t, handler(ctx, msg, amqp.Delivery{}), boom)
		assert.Equal(t, []string{"outer:before", "outer:after"}, calls)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	interceptor := NewLoggingInterceptor(logger)
	assert.Equal(t, "LoggingInterceptor", interceptor.Name())

	d := amqp.Delivery{MessageId: "m-1", Exchange: "logs_topic", RoutingKey: "user.created"}
	msg := contracts.NewMessage(300, "New user registered")

	t.Run("logs processing and completion", func(t *testing.T) {
		buf.Reset()
		err := interceptor.Intercept(context.Background(), msg, d,
			func(context.Context, contracts.Message, amqp.Delivery) error { return nil })
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "processing message")
		assert.Contains(t, buf.String(), "routingKey=user.created")
		assert.Contains(t, buf.String(), "message processed")
	})

	t.Run("logs failures and returns the error", func(t *testing.T) {
		buf.Reset()
		err := interceptor.Intercept(context.Background(), msg, d,
			func(context.Context, contracts.Message, amqp.Delivery) error { return errors.New("db down") })
		assert.EqualError(t, err, "db down")
		assert.Contains(t, buf.String(), "message processing failed")
		assert.Contains(t, buf.String(), "db down")
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	msg := contracts.NewMessage(7, "slow")

	t.Run("returns the handler result within the timeout", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		err := interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
			func(context.Context, contracts.Message, amqp.Delivery) error { return nil })
		assert.NoError(t, err)
	})

	t.Run("fails when the handler is too slow", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(20 * time.Millisecond)

		err := interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
			func(ctx context.Context, _ contracts.Message, _ amqp.Delivery) error {
				<-ctx.Done()
				return ctx.Err()
			})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "message 7")
	})

	t.Run("returns only after the handler has returned", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(10 * time.Millisecond)
		var finished atomic.Bool

		err := interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
			func(ctx context.Context, _ contracts.Message, _ amqp.Delivery) error {
				<-ctx.Done()
				time.Sleep(30 * time.Millisecond)
				finished.Store(true)
				return errors.New("gave up")
			})
		assert.True(t, finished.Load())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("a slow handler that succeeds is not a failure", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(5 * time.Millisecond)
		err := interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
			func(context.Context, contracts.Message, amqp.Delivery) error {
				time.Sleep(20 * time.Millisecond)
				return nil
			})
		assert.NoError(t, err)
	})

	t.Run("a handler panic reaches the caller goroutine", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		assert.PanicsWithValue(t, "boom", func() {
			_ = interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
				func(context.Context, contracts.Message, amqp.Delivery) error { panic("boom") })
		})
	})

	t.Run("passes a context with a deadline to the handler", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		err := interceptor.Intercept(context.Background(), msg, amqp.Delivery{},
			func(ctx context.Context, _ contracts.Message, _ amqp.Delivery) error {
				_, ok := ctx.Deadline()
				assert.True(t, ok)
				return nil
			})
		assert.NoError(t, err)
	})
}

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	next := func(calls *int) rabbitmq.Handler {
		return func(context.Context, contracts.Message, amqp.Delivery) error {
			*calls++
			return nil
		}
	}

	t.Run("ContentFilter passes matching content", func(t *testing.T) {
		calls := 0
		interceptor := NewFilteringInterceptor(ContentFilter("Payment"), SkipSilently)

		require.NoError(t, interceptor.Intercept(ctx, contracts.NewMessage(1, "Payment failed"), amqp.Delivery{}, next(&calls)))
		require.NoError(t, interceptor.Intercept(ctx, contracts.NewMessage(2, "New order placed"), amqp.Delivery{}, next(&calls)))
		assert.Equal(t, 1, calls)
	})

	t.Run("RoutingKeyFilter with SkipWithError rejects other keys", func(t *testing.T) {
		calls := 0
		interceptor := NewFilteringInterceptor(RoutingKeyFilter("error", "warning"), SkipWithError)
		msg := contracts.NewMessage(200, "User logged in successfully")

		err := interceptor.Intercept(ctx, msg, amqp.Delivery{RoutingKey: "info"}, next(&calls))
		assert.ErrorIs(t, err, ErrFiltered)

		err = interceptor.Intercept(ctx, msg, amqp.Delivery{RoutingKey: "warning"}, next(&calls))
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "FilteringInterceptor", interceptor.Name())
	})
}
