package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	patterns "github.com/glimte/amqp-patterns"
	"github.com/glimte/amqp-patterns/config"
	"github.com/glimte/amqp-patterns/internal/memory"
	"github.com/glimte/amqp-patterns/internal/reliability"
)

const (
	brokerAMQP   = "amqp"
	brokerMemory = "memory"
)

// app carries the global flags and the state shared by subcommands
type app struct {
	outMu  sync.Mutex
	out    io.Writer
	errOut io.Writer

	configFile string
	url        string
	broker     string
	verbose    bool
	retries    int

	log *slog.Logger

	// in-process broker, created on first use
	mem *memory.Broker
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	rootCmd := &cobra.Command{
		Use:   "amqp-patterns",
		Short: "Run the classic AMQP messaging patterns against RabbitMQ",
		Long: `amqp-patterns publishes and consumes messages using the classic AMQP 0-9-1
patterns: a single queue, a work queue, fanout, direct and topic routing.

Producers and consumers run as separate invocations against a broker. The
demo command runs every pattern end to end inside one process.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&a.url, "url", "u", "", "RabbitMQ connection URL (overrides config and "+config.EnvURL+")")
	flags.StringVar(&a.broker, "broker", brokerAMQP, "broker to use: amqp or memory (in-process)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.IntVar(&a.retries, "connect-retries", 0, "Retry a failed connect this many times with backoff")

	rootCmd.AddCommand(
		a.configCmd(),
		a.pingCmd(),
		a.helloCmd(),
		a.workCmd(),
		a.fanoutCmd(),
		a.directCmd(),
		a.topicCmd(),
		a.demoCmd(),
	)
	return rootCmd
}

// loadConfig applies, in order: defaults, the config file, the environment
// and the --url flag
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return config.Config{}, err
	}
	cfg = cfg.ApplyEnv()
	if a.url != "" {
		cfg.URL = a.url
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func (a *app) logger(cfg config.Config) *slog.Logger {
	return cfg.Log.NewLogger(a.errOut)
}

func (a *app) newClient(ctx context.Context) (*patterns.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := a.logger(cfg)
	a.log = logger
	opts := []patterns.ClientOption{patterns.WithLogger(logger)}

	switch a.broker {
	case brokerAMQP:
	case brokerMemory:
		if a.mem == nil {
			a.mem = memory.NewBroker(memory.WithLogger(logger))
		}
		opts = append(opts, patterns.WithDialer(a.mem.Dial))
	default:
		return nil, fmt.Errorf("unknown broker %q, want %s or %s", a.broker, brokerAMQP, brokerMemory)
	}

	var client *patterns.Client
	policy := reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, a.retries)
	err = reliability.Retry(ctx, policy, func() error {
		var err error
		client, err = patterns.NewClient(ctx, cfg, opts...)
		if err != nil && a.retries > 0 {
			logger.Warn("connect attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// printf writes to out; consumers print from several goroutines
func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
