package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/client"
	"github.com/roach88/tether/internal/metrics"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Args  string // argument object as JSON
	Count int    // stop after this many updates; 0 runs until interrupted
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <function>",
		Short: "Subscribe to a query and print each update",
		Long: `Subscribe to a query over the sync WebSocket and print every new result
in canonical form, one per line.

Runs until interrupted, until --count updates have arrived, or until the
server ends the subscription. Prometheus metrics are served on the
config's metrics_addr while watching.

Examples:
  tether watch todos:list
  tether watch todos:get --args '{"id":"t1"}' --count 1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Args, "args", "a", "{}", "argument object as JSON")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many updates")

	return cmd
}

func runWatch(opts *WatchOptions, function string, cmd *cobra.Command) error {
	fnArgs, err := parseArgs(opts.Args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --args", err)
	}
	if opts.Count < 0 {
		return NewExitError(ExitCommandError, "--count must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var copts []client.Option
	if cfg.MetricsAddr != "" {
		collector := metrics.New()
		copts = append(copts, client.WithMetrics(collector))
		srv := serveMetrics(cfg.MetricsAddr, collector)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	c, err := client.FromConfig(ctx, cfg, copts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create client", err)
	}
	defer c.Close()

	out := opts.formatter(cmd)

	sub, err := c.Subscribe(ctx, function, fnArgs)
	if err != nil {
		return out.Failure(err)
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.Unsubscribe(unsubCtx)
	}()
	out.VerboseLog("watching %s", function)

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return out.Failure(err)
				}
				return nil
			}
			if err := out.Value(v); err != nil {
				return err
			}
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

// serveMetrics starts the Prometheus endpoint in the background.
func serveMetrics(addr string, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return srv
}
