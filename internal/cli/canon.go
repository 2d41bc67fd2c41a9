package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/wire"
)

// CanonOptions holds flags for the canon command.
type CanonOptions struct {
	*RootOptions
	Check bool // fail unless the input is already canonical
}

// NewCanonCommand creates the canon command.
func NewCanonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CanonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "canon [file|-]",
		Short: "Rewrite JSON in canonical wire form",
		Long: `Decode JSON (including $integer, $float and $bytes wrappers) and write it
back in canonical wire form: sorted keys, no whitespace.

Reads from stdin when no file is given or the file is "-".

Exit codes:
  0 - Success (with --check: input was canonical)
  1 - Input is malformed, or with --check not canonical
  2 - Command error (unreadable file, etc.)

Examples:
  echo '{"b":1,"a":[true]}' | tether canon
  tether canon request.json --check`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runCanon(opts, path, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "fail unless the input is already canonical")

	return cmd
}

func runCanon(opts *CanonOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	out := opts.formatter(cmd)
	input := strings.TrimSpace(string(data))

	v, err := wire.Decode(input)
	if err != nil {
		return out.Failure(err)
	}

	if opts.Check {
		canonical, err := wire.Encode(v)
		if err != nil {
			return out.Failure(err)
		}
		if canonical != input {
			if err := out.Error("NOT_CANONICAL", "input is not in canonical form", canonical); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "input is not canonical")
		}
		out.VerboseLog("input is canonical")
	}

	return out.Value(v)
}

// readInput reads a file, or r when path is "-".
func readInput(path string, r io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(r)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
