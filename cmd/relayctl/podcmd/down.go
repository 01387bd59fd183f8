package podcmd

import (
	"context"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/relay"
	"relayctl/internal/relay/lifecycle"
)

func downCmd(env Env) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the relay pod, keeping it for a later up or restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.run(cmd, false, func(ctx context.Context, e *cmdutil.Engine) error {
				ref, err := identify(ctx, e, env, kindName)
				if err != nil {
					return err
				}
				var res lifecycle.DownResult
				err = ui.RunWithSpinner(ctx, "stopping "+ref.Name(), func(ctx context.Context) error {
					var err error
					res, err = e.Down(ctx, ref)
					return err
				})
				if err != nil {
					return err
				}
				name := ui.Bold(ref.Name())
				switch {
				case res.Previous == relay.PodAbsent:
					printf(cmd, "%s\n", ui.InfoMsg("%s does not exist", name))
				case res.Previous == relay.PodStopped:
					printf(cmd, "%s\n", ui.InfoMsg("%s is already stopped", name))
				case res.Previous == relay.PodCreated:
					printf(cmd, "%s\n", ui.InfoMsg("%s was never started, nothing to stop", name))
				case res.State == relay.PodFailed:
					printf(cmd, "%s\n", ui.WarnMsg("stopped %s, but a container had failed; see relayctl ps", name))
				default:
					printf(cmd, "%s\n", ui.SuccessMsg("stopped %s", name))
				}
				return nil
			})
		},
	}
	kindFlag(cmd, &kindName)
	return cmd
}

func restartCmd(env Env) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the relay pod without re-resolving anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.run(cmd, true, func(ctx context.Context, e *cmdutil.Engine) error {
				ref, err := identify(ctx, e, env, kindName)
				if err != nil {
					return err
				}
				if err := e.Restart(ctx, ref); err != nil {
					return err
				}
				printf(cmd, "%s\n", ui.SuccessMsg("restarted %s", ui.Bold(ref.Name())))
				return nil
			})
		},
	}
	kindFlag(cmd, &kindName)
	return cmd
}
