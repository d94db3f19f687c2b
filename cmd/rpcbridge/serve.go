package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/rpcbridge"
	"github.com/glimte/rpcbridge/codec"
	"github.com/glimte/rpcbridge/health"
	"github.com/glimte/rpcbridge/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// handlerFor returns the built-in responder behaviour for mode
func handlerFor(mode string, delay time.Duration) (rpc.HandlerFunc[[]byte, []byte], error) {
	var fn func([]byte) []byte
	switch mode {
	case "echo":
		fn = func(b []byte) []byte { return b }
	case "upper":
		fn = bytes.ToUpper
	default:
		return nil, fmt.Errorf("unknown mode %q: use echo or upper", mode)
	}

	return func(ctx context.Context, req []byte) ([]byte, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return fn(req), nil
	}, nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		queue       string
		mode        string
		codecName   string
		delay       time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer requests on a queue",
		Long:  "Run a responder that answers every request on a queue until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := handlerFor(mode, delay)
			if err != nil {
				return err
			}
			c, err := codec.Named(codecName)
			if err != nil {
				return err
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if metricsAddr == "" && cfg.Metrics.Enabled {
				metricsAddr = cfg.Metrics.Address
			}

			ctx, cancel := signalContext()
			defer cancel()

			logger := flags.logger()
			client, err := rpcbridge.DialConfig(ctx, cfg, rpcbridge.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			responder, err := rpc.NewResponder[[]byte, []byte](client.Transport(), queue, c, c, handler,
				rpc.WithResponderLogger(logger),
				rpc.WithErrorReplies(true),
			)
			if err != nil {
				return err
			}
			if err := responder.Start(ctx); err != nil {
				return fmt.Errorf("failed to start responder: %w", err)
			}
			defer responder.Stop(context.Background())

			if metricsAddr != "" {
				if inspector, ok := client.Transport().(health.QueueInspector); ok {
					client.Health().Register(health.NewQueueChecker(queue, inspector))
				}
				srv := newObservabilityServer(metricsAddr, client.Health())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
				logger.Info("serving metrics", "address", metricsAddr)
			}

			logger.Info("responder running, press Ctrl+C to stop", "queue", queue, "mode", mode)
			<-ctx.Done()
			logger.Info("shutting down", "queue", queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Request queue to serve")
	cmd.Flags().StringVarP(&mode, "mode", "m", "echo", "Reply mode: echo or upper")
	cmd.Flags().StringVar(&codecName, "codec", "string", "Payload codec: string, bytes or json")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Artificial processing delay per request")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve /metrics and /healthz on this address")
	cmd.MarkFlagRequired("queue")

	return cmd
}

func newObservabilityServer(addr string, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}
}
