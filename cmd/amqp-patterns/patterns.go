package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	patterns "github.com/glimte/amqp-patterns"
	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/interceptors"
)

// consumeFlags are shared by every consume and subscribe command
type consumeFlags struct {
	count          int
	grep           string
	handlerTimeout time.Duration
}

func (f *consumeFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "Stop after n messages (0 runs until interrupted)")
	cmd.Flags().StringVar(&f.grep, "grep", "", "Only print messages whose content contains this text (others are acknowledged)")
	cmd.Flags().DurationVar(&f.handlerTimeout, "handler-timeout", 0, "Cancel the handler context and requeue a message whose handling takes longer")
}

// consume runs sub until ctx is done or, when count > 0, count messages
// have been printed
func (a *app) consume(ctx context.Context, sub *patterns.Subscription, f consumeFlags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.printf("[%s] Waiting for messages on %s. Press Ctrl+C to stop\n", sub.Tag(), sub.Queue())

	chain := interceptors.NewChain(interceptors.NewLoggingInterceptor(a.log))
	if f.handlerTimeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(f.handlerTimeout))
	}
	if f.grep != "" {
		chain.Add(interceptors.NewFilteringInterceptor(interceptors.ContentFilter(f.grep), interceptors.SkipSilently))
	}

	var handled atomic.Int64
	err := sub.Run(ctx, chain.Then(func(_ context.Context, msg contracts.Message, d amqp.Delivery) error {
		a.printf("[%s] Received (%s): %s\n", sub.Tag(), routingLabel(d), msg)
		if f.count > 0 && handled.Add(1) >= int64(f.count) {
			cancel()
		}
		return nil
	}))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func routingLabel(d amqp.Delivery) string {
	if d.Exchange == "" {
		return "queue " + d.RoutingKey
	}
	if d.RoutingKey == "" {
		return d.Exchange
	}
	return d.Exchange + " " + d.RoutingKey
}

// withClient connects, runs fn and closes the client
func (a *app) withClient(cmd *cobra.Command, fn func(context.Context, *patterns.Client) error) error {
	ctx := cmd.Context()
	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

// subscribeAndConsume opens sub with subscribe and consumes it
func (a *app) subscribeAndConsume(cmd *cobra.Command, f consumeFlags,
	subscribe func(context.Context, *patterns.Client) (*patterns.Subscription, error)) error {

	return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
		sub, err := subscribe(ctx, client)
		if err != nil {
			return err
		}
		defer sub.Close()
		return a.consume(ctx, sub, f)
	})
}

func (a *app) helloCmd() *cobra.Command {
	helloCmd := &cobra.Command{
		Use:   "hello",
		Short: "Single queue behind the default exchange",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send the hello message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
				if err := client.SendHello(ctx); err != nil {
					return err
				}
				a.printf("Sent: %s\n", contracts.NewMessage(1, patterns.HelloContent))
				return nil
			})
		},
	}

	var cf consumeFlags
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the hello queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.subscribeAndConsume(cmd, cf, func(ctx context.Context, client *patterns.Client) (*patterns.Subscription, error) {
				return client.SubscribeHello(ctx)
			})
		},
	}
	cf.register(consumeCmd)

	helloCmd.AddCommand(sendCmd, consumeCmd)
	return helloCmd
}

func (a *app) workCmd() *cobra.Command {
	workCmd := &cobra.Command{
		Use:   "work",
		Short: "Durable work queue shared by competing workers",
	}

	var tasks int
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send persistent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
				if err := client.SendTasks(ctx, tasks); err != nil {
					return err
				}
				a.printf("Sent %d tasks to %s\n", tasks, client.Config().WorkQueue)
				return nil
			})
		},
	}
	sendCmd.Flags().IntVarP(&tasks, "tasks", "n", patterns.DefaultTaskCount, "Number of tasks to send")

	var (
		tag string
		cf  consumeFlags
	)
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Process tasks one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.subscribeAndConsume(cmd, cf, func(ctx context.Context, client *patterns.Client) (*patterns.Subscription, error) {
				return client.SubscribeTasks(ctx, tag)
			})
		},
	}
	consumeCmd.Flags().StringVar(&tag, "tag", "", "Consumer tag (generated when empty)")
	cf.register(consumeCmd)

	workCmd.AddCommand(sendCmd, consumeCmd)
	return workCmd
}

func (a *app) fanoutCmd() *cobra.Command {
	fanoutCmd := &cobra.Command{
		Use:   "fanout",
		Short: "Broadcast to every subscriber",
	}

	publishCmd := &cobra.Command{
		Use:   "publish [content]",
		Short: "Broadcast a message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := "Broadcast message to all subscribers!"
			if len(args) == 1 {
				content = args[0]
			}
			return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
				if err := client.Broadcast(ctx, content); err != nil {
					return err
				}
				a.printf("Broadcast to %s: %s\n", client.Config().ExchangeName, content)
				return nil
			})
		},
	}

	var cf consumeFlags
	subscribeCmd := &cobra.Command{
		Use:   "subscribe <name>",
		Short: "Receive broadcasts on a private queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.subscribeAndConsume(cmd, cf, func(ctx context.Context, client *patterns.Client) (*patterns.Subscription, error) {
				return client.SubscribeBroadcast(ctx, args[0])
			})
		},
	}
	cf.register(subscribeCmd)

	fanoutCmd.AddCommand(publishCmd, subscribeCmd)
	return fanoutCmd
}

func (a *app) directCmd() *cobra.Command {
	directCmd := &cobra.Command{
		Use:   "direct",
		Short: "Route log messages by severity",
	}

	publishCmd := &cobra.Command{
		Use:   "publish <severity> <content>",
		Short: "Publish a log message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
				if err := client.PublishLog(ctx, args[0], args[1]); err != nil {
					return err
				}
				a.printf("Sent [%s]: %s\n", args[0], args[1])
				return nil
			})
		},
	}

	var cf consumeFlags
	subscribeCmd := &cobra.Command{
		Use:   "subscribe <name> <severity>...",
		Short: "Receive log messages of the given severities",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.subscribeAndConsume(cmd, cf, func(ctx context.Context, client *patterns.Client) (*patterns.Subscription, error) {
				return client.SubscribeLogs(ctx, args[0], args[1:]...)
			})
		},
	}
	cf.register(subscribeCmd)

	directCmd.AddCommand(publishCmd, subscribeCmd)
	return directCmd
}

func (a *app) topicCmd() *cobra.Command {
	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Route events by dotted key and wildcard pattern",
	}

	publishCmd := &cobra.Command{
		Use:   "publish <key> <content>",
		Short: "Publish an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *patterns.Client) error {
				if err := client.PublishEvent(ctx, args[0], args[1]); err != nil {
					return err
				}
				a.printf("Sent [%s]: %s\n", args[0], args[1])
				return nil
			})
		},
	}

	var cf consumeFlags
	subscribeCmd := &cobra.Command{
		Use:   "subscribe <name> <pattern>...",
		Short: "Receive events matching any pattern (* one word, # zero or more)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.subscribeAndConsume(cmd, cf, func(ctx context.Context, client *patterns.Client) (*patterns.Subscription, error) {
				a.printf("[%s] Binding %s\n", args[0], strings.Join(args[1:], ", "))
				return client.SubscribeEvents(ctx, args[0], args[1:]...)
			})
		},
	}
	cf.register(subscribeCmd)

	topicCmd.AddCommand(publishCmd, subscribeCmd)
	return topicCmd
}
