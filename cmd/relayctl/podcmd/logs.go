package podcmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/internal/relay"
)

const defaultTail = 50

func logsCmd(env Env) *cobra.Command {
	var (
		kindName string
		tail     int
	)
	cmd := &cobra.Command{
		Use:       "logs [relay|register|snmpd]",
		Short:     "Show the last log lines of a relay pod container",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{relay.RoleRelay, relay.RoleRegister, relay.RoleSNMPD},
		RunE: func(cmd *cobra.Command, args []string) error {
			role := relay.RoleRelay
			if len(args) == 1 {
				role = args[0]
			}
			if tail < 0 {
				return fmt.Errorf("--tail must not be negative")
			}
			return env.run(cmd, false, func(ctx context.Context, e *cmdutil.Engine) error {
				ref, err := identify(ctx, e, env, kindName)
				if err != nil {
					return err
				}
				out, err := e.Logs(ctx, ref, role, tail)
				if err != nil {
					return err
				}
				if out = strings.TrimRight(out, "\n"); out != "" {
					printf(cmd, "%s\n", out)
				}
				return nil
			})
		},
	}
	kindFlag(cmd, &kindName)
	cmd.Flags().IntVarP(&tail, "tail", "n", defaultTail, "Number of lines to show (0 for all)")
	return cmd
}
