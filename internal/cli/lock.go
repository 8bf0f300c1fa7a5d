package cli

import (
	"context"
	"fmt"
	"os/exec"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-tally/v1/lock"
	"github.com/mirkobrombin/go-tally/v1/registry"
)

func (a *app) lockCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Run commands under distributed locks",
		Long: `Run commands under distributed locks.

Locks not declared in the config file are declared on the fly
with --timeout, --ttl and --retry.`,
	}
	pf := cmd.PersistentFlags()
	pf.Duration("timeout", lock.DefaultTimeout, WrapString("how long to wait for an undeclared lock"))
	pf.Duration("ttl", lock.DefaultTTL, WrapString("expiry of an undeclared lock if the holder dies"))
	pf.Duration("retry", lock.DefaultRetryInterval, WrapString("polling interval of an undeclared lock"))

	run := &cobra.Command{
		Use:   "run <type> <name> <id> -- <command> [args...]",
		Short: "Run a command while holding the lock",
		Args: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash != 3 || len(args) < 4 {
				return fmt.Errorf("usage: %s", cmd.Use)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.lock(cmd, args[:3])
			if err != nil {
				return err
			}
			argv := args[3:]
			return l.Do(cmd.Context(), func(ctx context.Context) error {
				a.logger.Info().Str("lock", l.Key()).Strs("argv", argv).Msg("running under lock")
				c := exec.CommandContext(ctx, argv[0], argv[1:]...)
				c.Stdin = cmd.InOrStdin()
				c.Stdout = cmd.OutOrStdout()
				c.Stderr = cmd.ErrOrStderr()
				return c.Run()
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <type> <name> <id>",
		Short: "Print whether the lock is held",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.lock(cmd, args)
			if err != nil {
				return err
			}
			token, held, err := l.Holder(cmd.Context())
			if err != nil {
				return err
			}
			if held {
				fmt.Fprintf(cmd.OutOrStdout(), "held %s\n", token)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "free")
			}
			return nil
		},
	}

	cmd.AddCommand(run, status)
	return cmd
}

func (a *app) lock(cmd *cobra.Command, args []string) (*lock.Lock, error) {
	t, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	typ, name, id := args[0], args[1], args[2]
	if !slices.Contains(t.Registry.Locks(typ), name) {
		cfg := registry.LockConfig{}
		cfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
		cfg.TTL, _ = cmd.Flags().GetDuration("ttl")
		cfg.RetryInterval, _ = cmd.Flags().GetDuration("retry")
		if err := t.Registry.DeclareLock(typ, name, cfg); err != nil {
			return nil, err
		}
	}
	return t.Registry.Lock(typ, name, id)
}

