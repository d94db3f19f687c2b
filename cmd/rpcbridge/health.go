package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/glimte/rpcbridge/health"
	"github.com/spf13/cobra"
)

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var (
		queues  []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity and the reply path",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			client, _, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			registry := client.Health()
			if inspector, ok := client.Transport().(health.QueueInspector); ok {
				for _, q := range queues {
					registry.Register(health.NewQueueChecker(q, inspector))
				}
			}

			overall := registry.Check(ctx)
			printHealth(cmd.OutOrStdout(), overall)
			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Request queues to inspect (AMQP only)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall check timeout")

	return cmd
}

func printHealth(w io.Writer, overall health.OverallHealth) {
	fmt.Fprintf(w, "System Health: %s (%s)\n\n", overall.Status, overall.Duration.Truncate(time.Millisecond))
	fmt.Fprintf(w, "%-30s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := overall.Checks[name]
		msg := res.Message
		if res.Error != "" {
			msg += ": " + res.Error
		}
		fmt.Fprintf(w, "%-30s %-10s %s\n", truncate(name, 30), res.Status, truncate(msg, 60))
	}
}
