package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/client"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/wire"
)

// CallOptions holds flags shared by query, mutate and action.
type CallOptions struct {
	*RootOptions
	Args string // argument object as JSON
}

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	CallOptions
	RollbackOn string   // error kind that triggers rollback
	Invalidate []string // queries refetched after success
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <function>",
		Short: "Run a query function",
		Long: `Run a query function and print its canonical result.

Examples:
  tether query todos:list --url https://happy-otter-123.example.cloud
  tether query todos:get --args '{"id":"t1"}' --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, cmd, func(ctx context.Context, c *client.Client, fnArgs wire.Value) (wire.Value, error) {
				return c.Query(ctx, args[0], fnArgs)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Args, "args", "a", "{}", "argument object as JSON")

	return cmd
}

// NewActionCommand creates the action command.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "action <function>",
		Short: "Run an action function",
		Long: `Run an action function and print its canonical result.

Actions are retried and guarded by the action circuit breaker but never
touch the query cache.

Examples:
  tether action email:send --args '{"to":"a@example.com"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, cmd, func(ctx context.Context, c *client.Client, fnArgs wire.Value) (wire.Value, error) {
				return c.Action(ctx, args[0], fnArgs)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Args, "args", "a", "{}", "argument object as JSON")

	return cmd
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{CallOptions: CallOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "mutate <function>",
		Short: "Run a mutation function",
		Long: `Run a mutation through the mutation engine and print its canonical result.

The mutation is journaled when the config sets journal_path.

Exit codes:
  0 - Mutation confirmed
  1 - Mutation failed or was rolled back
  2 - Command error (bad flags, invalid config, etc.)

Examples:
  tether mutate todos:add --args '{"text":"milk"}'
  tether mutate todos:add --args '{"text":"milk"}' --invalidate todos:list
  tether mutate todos:add --rollback-on NETWORK_ERROR -c tether.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			function := args[0]
			if opts.RollbackOn != "" && !clienterr.Kind(opts.RollbackOn).Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown error kind %q", opts.RollbackOn))
			}
			return runCall(&opts.CallOptions, cmd, func(ctx context.Context, c *client.Client, fnArgs wire.Value) (wire.Value, error) {
				if len(opts.Invalidate) > 0 {
					c.DependsOn(function, opts.Invalidate...)
				}
				return c.Mutation(ctx, mutation.Request{
					Function:   function,
					Args:       fnArgs,
					RollbackOn: clienterr.Kind(opts.RollbackOn),
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Args, "args", "a", "{}", "argument object as JSON")
	cmd.Flags().StringVar(&opts.RollbackOn, "rollback-on", "", "only roll back on errors of this kind")
	cmd.Flags().StringSliceVar(&opts.Invalidate, "invalidate", nil, "queries to invalidate after success")

	return cmd
}

type callFunc func(ctx context.Context, c *client.Client, args wire.Value) (wire.Value, error)

func runCall(opts *CallOptions, cmd *cobra.Command, call callFunc) error {
	fnArgs, err := parseArgs(opts.Args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --args", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := client.FromConfig(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create client", err)
	}
	defer c.Close()

	out := opts.formatter(cmd)
	out.VerboseLog("calling %s at %s", cmd.Name(), cfg.URL)

	result, err := call(ctx, c, fnArgs)
	if err != nil {
		return out.Failure(err)
	}
	return out.Value(result)
}

// parseArgs decodes a JSON argument object. Empty text is {}.
func parseArgs(text string) (wire.Value, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return wire.Object{}, nil
	}
	v, err := wire.Decode(text)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(wire.Object); !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %s", text)
	}
	return v, nil
}
