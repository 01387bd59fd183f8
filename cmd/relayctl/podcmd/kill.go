package podcmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/relay"
	"relayctl/internal/relay/lifecycle"
)

func killCmd(env Env) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Remove the relay pod, its network, workspace and site registration",
		Long: `Remove every trace of the relay pod.

When no site can be identified, every recorded pod of the selected kind is
removed instead, so pods of sites that no longer exist can be cleaned up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := relay.ParseKind(kindName)
			if err != nil {
				return err
			}
			return env.run(cmd, true, func(ctx context.Context, e *cmdutil.Engine) error {
				refs, err := killTargets(ctx, e, env, kind)
				if err != nil {
					return err
				}
				if len(refs) == 0 {
					printf(cmd, "%s\n", ui.InfoMsg("no %s relay pod to kill", kind))
					return nil
				}

				var errs []error
				for _, ref := range refs {
					res, err := e.Kill(ctx, ref)
					if err != nil {
						errs = append(errs, err)
						printf(cmd, "%s\n", ui.ErrorMsg("kill %s: %v", ref.Name(), err))
						continue
					}
					printf(cmd, "%s\n", killMessage(res))
				}
				return errors.Join(errs...)
			})
		},
	}
	kindFlag(cmd, &kindName)
	return cmd
}

// killTargets identifies the pod to kill, falling back to every recorded
// pod of kind when no site can be identified.
func killTargets(ctx context.Context, e *cmdutil.Engine, env Env, kind relay.Kind) ([]relay.PodRef, error) {
	ref, err := e.Identify(ctx, kind, env.Options.Site)
	if err == nil {
		return []relay.PodRef{ref}, nil
	}
	if !errors.Is(err, relay.ErrSiteNotFound) {
		return nil, err
	}

	recs, lerr := e.Deployments(ctx)
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	var refs []relay.PodRef
	for _, rec := range recs {
		if rec.Kind == kind {
			refs = append(refs, relay.PodRef{Site: rec.Site, Kind: rec.Kind})
		}
	}
	return refs, nil
}

func killMessage(res lifecycle.KillResult) string {
	name := ui.Bold(res.Pod.Name())
	if !res.Existed && !res.Recorded {
		return ui.InfoMsg("%s does not exist", name)
	}
	msg := fmt.Sprintf("killed %s", name)
	if res.Deregistered > 0 {
		msg += fmt.Sprintf(" (deregistered %d relay", res.Deregistered)
		if res.Deregistered > 1 {
			msg += "s"
		}
		msg += ")"
	}
	return ui.SuccessMsg("%s", msg)
}
