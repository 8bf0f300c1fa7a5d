package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-tally/v1/counter"
	"github.com/mirkobrombin/go-tally/v1/registry"
)

func (a *app) counterCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Read and update counters",
		Long: `Read and update counters.

Counters not declared in the config file are declared on the fly
with the value of --start.`,
	}
	cmd.PersistentFlags().Int64("start", 0, WrapString("seed value of an undeclared counter"))

	get := &cobra.Command{
		Use:   "get <type> <name> <id>",
		Short: "Print the current value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.counter(cmd, args)
			if err != nil {
				return err
			}
			v, err := c.Value(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	incr := &cobra.Command{
		Use:   "incr <type> <name> <id>",
		Short: "Add --by and print the new value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.move(cmd, args, 1)
		},
	}
	decr := &cobra.Command{
		Use:   "decr <type> <name> <id>",
		Short: "Subtract --by and print the new value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.move(cmd, args, -1)
		},
	}
	for _, c := range []*cobra.Command{incr, decr} {
		c.Flags().Int64("by", 1, "delta")
	}

	reset := &cobra.Command{
		Use:   "reset <type> <name> <id> <value>",
		Short: "Overwrite the stored value",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[3], err)
			}
			c, err := a.counter(cmd, args[:3])
			if err != nil {
				return err
			}
			return c.Reset(cmd.Context(), value)
		},
	}

	take := &cobra.Command{
		Use:   "take <type> <name> <id>",
		Short: "Consume units only if enough are left",
		Long: WrapString(`Decrement by --n and keep the result only when it stays at or above
--min (or the declared lower bound). Prints applied or rejected.`),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt64("n")
			c, err := a.counter(cmd, args)
			if err != nil {
				return err
			}
			cond := counter.Condition{Delta: n, Op: counter.GreaterOrEqual}
			if b, ok := c.Bounds(); ok {
				cond.Threshold = b.Min
			}
			if cmd.Flags().Changed("min") {
				cond.Threshold, _ = cmd.Flags().GetInt64("min")
			}
			var after int64
			ok, err := c.DecrementIf(cmd.Context(), cond, func(_ context.Context, v int64) error {
				after = v
				return nil
			})
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "rejected")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d\n", after)
			return nil
		},
	}
	take.Flags().Int64("n", 1, "units to take")
	take.Flags().Int64("min", 0, WrapString("lowest value the counter may reach"))

	cmd.AddCommand(get, incr, decr, reset, take)
	return cmd
}

func (a *app) move(cmd *cobra.Command, args []string, sign int64) error {
	by, _ := cmd.Flags().GetInt64("by")
	c, err := a.counter(cmd, args)
	if err != nil {
		return err
	}
	v, err := c.Increment(cmd.Context(), sign*by)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), v)
	return nil
}

// counter resolves args (type, name, id), declaring the counter when the
// config does not.
func (a *app) counter(cmd *cobra.Command, args []string) (*counter.Counter, error) {
	t, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	typ, name, id := args[0], args[1], args[2]
	if !slices.Contains(t.Registry.Counters(typ), name) {
		start, _ := cmd.Flags().GetInt64("start")
		if err := t.Registry.DeclareCounter(typ, name, registry.CounterConfig{Start: start}); err != nil {
			return nil, err
		}
	}
	return t.Registry.Counter(typ, name, id)
}
