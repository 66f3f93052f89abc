package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/glimte/amqp-patterns/config"
	"github.com/glimte/amqp-patterns/health"
	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

func (a *app) configCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cfg.URL = rabbitmq.SanitizeURL(cfg.URL)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = a.out.Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", args[0])
			}
			if err := config.Default().Save(args[0]); err != nil {
				return err
			}
			a.printf("Wrote default configuration to %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(showCmd, initCmd)
	return configCmd
}

var errUnhealthy = errors.New("broker is unhealthy")

func (a *app) pingCmd() *cobra.Command {
	var (
		queues    []string
		exchanges []string
		asJSON    bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the broker connection and, optionally, queues and exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			conn := client.Connection()
			checkers := []health.Checker{health.NewConnectionChecker(conn, a.logger(client.Config()))}
			for _, q := range queues {
				checkers = append(checkers, health.NewQueueChecker(conn, q, 0))
			}
			for _, e := range exchanges {
				checkers = append(checkers, health.NewExchangeChecker(conn, e))
			}

			report := health.RunAll(ctx, checkers...)
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(a.out, report)
			}

			if report.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Queue to check (repeatable)")
	cmd.Flags().StringSliceVarP(&exchanges, "exchange", "e", nil, "Exchange to check (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall timeout")
	return cmd
}
