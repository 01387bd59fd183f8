package podcmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/relay"
	"relayctl/internal/relay/lifecycle"
)

func psCmd(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List recorded relay pods and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.run(cmd, false, func(ctx context.Context, e *cmdutil.Engine) error {
				var reports []lifecycle.PodReport
				err := ui.RunWithSpinner(ctx, "inspecting relay pods", func(ctx context.Context) error {
					var err error
					reports, err = e.Status(ctx)
					return err
				})
				if err != nil {
					return err
				}
				if len(reports) == 0 {
					printf(cmd, "%s\n", ui.Muted("no relay pods"))
					return nil
				}

				rows := make([][]string, 0, len(reports))
				for _, r := range reports {
					rows = append(rows, []string{
						r.Deployment.PodName,
						r.Deployment.Site,
						r.Deployment.Kind.String(),
						ui.State(r.Status.State),
						containers(r.Status.Containers),
						r.Deployment.Image.Ref,
						r.Deployment.DeployedAt.Local().Format(time.DateTime),
					})
				}
				printf(cmd, "%s\n", ui.Table(
					[]string{"POD", "SITE", "KIND", "STATE", "CONTAINERS", "IMAGE", "DEPLOYED"},
					rows,
				))
				return nil
			})
		},
	}
}

func containers(cs []relay.ContainerStatus) string {
	if len(cs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		state := c.State
		if c.State == relay.ContainerExited {
			state = fmt.Sprintf("%s(%d)", c.State, c.ExitCode)
		}
		parts = append(parts, c.Role+":"+state)
	}
	return strings.Join(parts, " ")
}
