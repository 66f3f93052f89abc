package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	patterns "github.com/glimte/amqp-patterns"
	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/interceptors"
	"github.com/glimte/amqp-patterns/routing"
)

type demoSubscriber struct {
	name string
	keys []string
}

var (
	demoLogSubscribers = []demoSubscriber{
		{"error_logger", []string{"error"}},
		{"important_logger", []string{"error", "warning"}},
		{"all_logger", []string{"error", "warning", "info"}},
	}

	demoLogs = [][2]string{
		{"error", "Database connection failed!"},
		{"warning", "High memory usage detected"},
		{"info", "User logged in successfully"},
	}

	demoEventSubscribers = []demoSubscriber{
		{"user_service", []string{"user.*"}},
		{"audit_logger", []string{"#"}},
		{"payment_service", []string{"order.payment.*"}},
		{"order_service", []string{"order.#"}},
		{"notification_service", []string{"*.created"}},
	}

	demoEvents = [][2]string{
		{"user.created", "New user registered"},
		{"user.updated", "User profile updated"},
		{"user.deleted", "User account deleted"},
		{"order.created", "New order placed"},
		{"order.payment.success", "Payment processed successfully"},
		{"order.payment.failed", "Payment failed"},
	}
)

func (a *app) demoCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run every pattern end to end in one process",
		Long: `Run the hello, work queue, fanout, direct and topic patterns in sequence,
with subscribers and publishers sharing one connection. Uses the in-process
broker unless --broker is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("broker") {
				a.broker = brokerMemory
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			steps := []struct {
				title string
				run   func(context.Context, *patterns.Client) error
			}{
				{"Hello queue", a.demoHello},
				{"Work queue", a.demoWork},
				{"Fanout", a.demoFanout},
				{"Direct routing", a.demoDirect},
				{"Topic routing", a.demoTopic},
			}
			for _, step := range steps {
				a.printf("\n== %s ==\n", step.title)
				if err := step.run(ctx, client); err != nil {
					return fmt.Errorf("%s: %w", strings.ToLower(step.title), err)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Overall timeout")
	return cmd
}

func (a *app) demoHello(ctx context.Context, client *patterns.Client) error {
	sub, err := client.SubscribeHello(ctx)
	if err != nil {
		return err
	}
	if err := client.SendHello(ctx); err != nil {
		return err
	}
	return a.drainAll(ctx, []*patterns.Subscription{sub}, 1)
}

func (a *app) demoWork(ctx context.Context, client *patterns.Client) error {
	var subs []*patterns.Subscription
	for _, tag := range []string{"worker_1", "worker_2"} {
		sub, err := client.SubscribeTasks(ctx, tag)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	if err := client.SendTasks(ctx, patterns.DefaultTaskCount); err != nil {
		return err
	}
	return a.drainAll(ctx, subs, patterns.DefaultTaskCount)
}

func (a *app) demoFanout(ctx context.Context, client *patterns.Client) error {
	var subs []*patterns.Subscription
	for _, name := range []string{"subscriber_1", "subscriber_2", "subscriber_3"} {
		sub, err := client.SubscribeBroadcast(ctx, name)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	if err := client.Broadcast(ctx, "Broadcast message to all subscribers!"); err != nil {
		return err
	}
	return a.drainAll(ctx, subs, len(subs))
}

func (a *app) demoDirect(ctx context.Context, client *patterns.Client) error {
	var subs []*patterns.Subscription
	expected := 0
	for _, s := range demoLogSubscribers {
		sub, err := client.SubscribeLogs(ctx, s.name, s.keys...)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		expected += len(s.keys)
	}
	for _, l := range demoLogs {
		if err := client.PublishLog(ctx, l[0], l[1]); err != nil {
			return err
		}
	}
	return a.drainAll(ctx, subs, expected)
}

func (a *app) demoTopic(ctx context.Context, client *patterns.Client) error {
	var subs []*patterns.Subscription
	expected := 0
	for _, s := range demoEventSubscribers {
		sub, err := client.SubscribeEvents(ctx, s.name, s.keys...)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		for _, e := range demoEvents {
			if matchesAny(s.keys, e[0]) {
				expected++
			}
		}
	}
	for _, e := range demoEvents {
		if err := client.PublishEvent(ctx, e[0], e[1]); err != nil {
			return err
		}
	}
	return a.drainAll(ctx, subs, expected)
}

// drainAll runs every subscription until total messages have been handled
// between them, then closes them and prints what each received
func (a *app) drainAll(ctx context.Context, subs []*patterns.Subscription, total int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logged := interceptors.NewChain(interceptors.NewLoggingInterceptor(a.log))
	var handled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			return sub.Run(gctx, logged.Then(func(_ context.Context, msg contracts.Message, d amqp.Delivery) error {
				a.printf("[%s] Received (%s): %s\n", sub.Tag(), routingLabel(d), msg)
				if handled.Add(1) >= int64(total) {
					cancel()
				}
				return nil
			}))
		})
	}

	err := g.Wait()
	for _, sub := range subs {
		a.printf("  %-22s %d message(s)\n", sub.Tag(), sub.Stats().Acked)
		sub.Close()
	}

	if errors.Is(err, context.Canceled) && handled.Load() >= int64(total) {
		return nil
	}
	if err == nil && handled.Load() < int64(total) {
		return fmt.Errorf("received %d of %d messages", handled.Load(), total)
	}
	return err
}

func matchesAny(bindings []string, key string) bool {
	for _, b := range bindings {
		if routing.TopicMatch(b, key) {
			return true
		}
	}
	return false
}
