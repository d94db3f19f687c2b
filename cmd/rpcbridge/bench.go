package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/codec"
	"github.com/glimte/rpcbridge/rpc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type benchOptions struct {
	queue       string
	payload     []byte
	calls       int
	concurrency int
	rate        float64
	timeout     time.Duration
}

// benchReport counts call outcomes
type benchReport struct {
	Completed int
	Timeout   int
	Cancelled int
	Failed    int
	Elapsed   time.Duration
	latencies []time.Duration
}

func (r *benchReport) record(err error, latency time.Duration) {
	switch {
	case err == nil:
		r.Completed++
		r.latencies = append(r.latencies, latency)
	case errors.Is(err, rpc.ErrTimeout):
		r.Timeout++
	case errors.Is(err, rpc.ErrCancelled):
		r.Cancelled++
	default:
		r.Failed++
	}
}

// percentile returns the p-th percentile of successful call latencies
func (r *benchReport) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (r *benchReport) print(w io.Writer) {
	total := r.Completed + r.Timeout + r.Cancelled + r.Failed
	fmt.Fprintf(w, "%-12s %d\n", "Calls", total)
	fmt.Fprintf(w, "%-12s %d\n", "Completed", r.Completed)
	fmt.Fprintf(w, "%-12s %d\n", "Timeout", r.Timeout)
	fmt.Fprintf(w, "%-12s %d\n", "Cancelled", r.Cancelled)
	fmt.Fprintf(w, "%-12s %d\n", "Failed", r.Failed)
	fmt.Fprintf(w, "%-12s %s\n", "Elapsed", r.Elapsed.Truncate(time.Millisecond))
	if r.Elapsed > 0 {
		fmt.Fprintf(w, "%-12s %.1f calls/s\n", "Throughput", float64(total)/r.Elapsed.Seconds())
	}
	fmt.Fprintf(w, "%-12s %s\n", "p50", r.percentile(0.50))
	fmt.Fprintf(w, "%-12s %s\n", "p99", r.percentile(0.99))
}

// runBench issues opts.calls calls with at most opts.concurrency in flight.
// A positive rate caps how fast calls are started.
func runBench(ctx context.Context, client *rpc.Client, opts benchOptions) (*benchReport, error) {
	caller := rpc.NewCaller[[]byte, []byte](client, codec.Bytes{}, codec.Bytes{})

	var limiter *rate.Limiter
	if opts.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rate), 1)
	}

	var callOpts []rpc.CallOption
	if opts.timeout > 0 {
		callOpts = append(callOpts, rpc.WithCallTimeout(opts.timeout))
	}

	var (
		mu     sync.Mutex
		report = &benchReport{}
	)

	g := &errgroup.Group{}
	if opts.concurrency > 0 {
		g.SetLimit(opts.concurrency)
	}

	start := time.Now()
	for i := 0; i < opts.calls; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			began := time.Now()
			_, err := caller.Call(ctx, opts.queue, opts.payload, callOpts...)
			mu.Lock()
			report.record(err, time.Since(began))
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	report.Elapsed = time.Since(start)
	return report, err
}

func newBenchCmd(flags *globalFlags) *cobra.Command {
	opts := benchOptions{}
	var data string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Issue many concurrent calls and report outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.calls < 1 {
				return fmt.Errorf("--n must be at least 1")
			}
			opts.payload = []byte(data)

			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := runBench(ctx, client.RPC(), opts)
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.queue, "queue", "q", "", "Target request queue")
	cmd.Flags().StringVarP(&data, "data", "d", "ping", "Request payload")
	cmd.Flags().IntVar(&opts.calls, "n", 100, "Number of calls")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "Maximum calls in flight")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "Maximum calls started per second (0 is unlimited)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per-call timeout")
	cmd.MarkFlagRequired("queue")

	return cmd
}
