package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rpcbridge/codec"
	"github.com/glimte/rpcbridge/rpc"
	"github.com/spf13/cobra"
)

func newCallCmd(flags *globalFlags) *cobra.Command {
	var (
		queue     string
		data      string
		file      string
		codecName string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one request and print the reply",
		Long:  "Send one request to a queue and block until the reply arrives. Ctrl+C cancels the call.",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(data, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := codec.Named(codecName)
			if err != nil {
				return err
			}

			ctx := context.Background()
			client, _, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []rpc.CallOption
			if timeout > 0 {
				opts = append(opts, rpc.WithCallTimeout(timeout))
			}
			call := rpc.NewCaller[[]byte, []byte](client.RPC(), c, c).Prepare(queue, body, opts...)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				if _, ok := <-sigChan; ok {
					call.Cancel()
				}
			}()

			resp, err := call.Do(ctx)
			if err != nil {
				return describeCallError(err)
			}

			out := cmd.OutOrStdout()
			out.Write(resp)
			if len(resp) > 0 && resp[len(resp)-1] != '\n' {
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Target request queue")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the payload from a file (- for stdin)")
	cmd.Flags().StringVar(&codecName, "codec", "string", "Payload codec: string, bytes or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Call timeout (0 uses the configured default)")
	cmd.MarkFlagRequired("queue")
	cmd.MarkFlagsMutuallyExclusive("data", "file")

	return cmd
}

func readPayload(data, file string, stdin io.Reader) ([]byte, error) {
	switch file {
	case "":
		return []byte(data), nil
	case "-":
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return body, nil
	default:
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return body, nil
	}
}

// describeCallError turns a call failure into a one-line message
func describeCallError(err error) error {
	var remote *rpc.RemoteError
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		return fmt.Errorf("call timed out: %w", err)
	case errors.Is(err, rpc.ErrCancelled):
		return fmt.Errorf("call cancelled: %w", err)
	case errors.As(err, &remote):
		return fmt.Errorf("responder failed: %s", remote.Message)
	default:
		return err
	}
}
