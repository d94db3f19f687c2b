package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/glimte/rpcbridge"
	"github.com/glimte/rpcbridge/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPath string
	url        string
	transport  string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rpcbridge",
		Short: "Synchronous request/reply over a message broker",
		Long: `rpcbridge issues blocking calls over RabbitMQ or NATS. Every call gets a
private reply queue that is removed as soon as the call resolves.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "Broker URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Transport: amqp or nats (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newCallCmd(flags),
		newServeCmd(flags),
		newBenchCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

// load resolves configuration from the file, environment and flags
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.transport != "" {
		cfg.Transport = strings.ToLower(f.transport)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (f *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// connect loads configuration and dials the broker
func (f *globalFlags) connect(ctx context.Context, opts ...rpcbridge.ClientOption) (*rpcbridge.Client, *config.Config, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, err
	}

	logger := f.logger()
	client, err := rpcbridge.DialConfig(ctx, cfg, append([]rpcbridge.ClientOption{rpcbridge.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
